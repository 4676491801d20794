package memory

import (
	"context"
	"slices"
	"strings"

	"github.com/alanyoungcy/pricearena/internal/domain"
)

// PriceTickStore is the domain.PriceTickStore view of a Store.
type PriceTickStore struct{ s *Store }

// Ticks returns the price tick store view.
func (s *Store) Ticks() *PriceTickStore { return &PriceTickStore{s: s} }

// Insert implements domain.PriceTickStore.
func (r *PriceTickStore) Insert(_ context.Context, t domain.PriceTick) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t.ID = int64(len(r.s.st.ticks)) + 1
	t.CreatedAt = r.s.now()
	r.s.st.ticks = append(r.s.st.ticks, t)
	return nil
}

// Latest implements domain.PriceTickStore.
func (r *PriceTickStore) Latest(_ context.Context) (domain.PriceTick, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if len(r.s.st.ticks) == 0 {
		return domain.PriceTick{}, domain.ErrNotFound
	}
	return r.s.st.ticks[len(r.s.st.ticks)-1], nil
}

// AuditStore is the domain.AuditStore view of a Store.
type AuditStore struct{ s *Store }

// Audit returns the audit store view.
func (s *Store) Audit() *AuditStore { return &AuditStore{s: s} }

// Log implements domain.AuditStore.
func (a *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	a.s.st.audit = append(a.s.st.audit, domain.AuditEntry{
		ID:        int64(len(a.s.st.audit)) + 1,
		Event:     event,
		Detail:    detail,
		CreatedAt: a.s.now(),
	})
	return nil
}

// List implements domain.AuditStore. Entries are returned newest first.
func (a *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	var out []domain.AuditEntry
	for _, e := range a.s.st.audit {
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && e.CreatedAt.After(*opts.Until) {
			continue
		}
		if !strings.HasPrefix(e.Event, opts.EventPrefix) {
			continue
		}
		out = append(out, e)
	}
	slices.Reverse(out)

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out, nil
}

var (
	_ domain.PriceTickStore = (*PriceTickStore)(nil)
	_ domain.AuditStore     = (*AuditStore)(nil)
)
