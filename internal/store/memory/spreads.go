package memory

import (
	"context"
	"slices"
	"time"

	"github.com/alanyoungcy/pricearena/internal/domain"
)

// SpreadStore is the domain.SpreadStore view of a Store.
type SpreadStore struct{ s *Store }

// Spreads returns the spread store view.
func (s *Store) Spreads() *SpreadStore { return &SpreadStore{s: s} }

// CreateTrack implements domain.SpreadStore.
func (r *SpreadStore) CreateTrack(_ context.Context, t domain.SpreadTrack, baseLimit int) (domain.SpreadTrack, error) {
	var created domain.SpreadTrack
	err := r.s.atomically(func(st *state) error {
		u := r.s.ledger(st).user(t.UserID)
		count := 0
		for _, existing := range st.tracks {
			if existing.UserID == t.UserID {
				count++
			}
		}
		if count >= baseLimit+u.TrackLimitBonus {
			return domain.ErrTrackLimit
		}

		st.nextTrackID++
		t.ID = st.nextTrackID
		if t.Status == "" {
			t.Status = domain.TrackIdle
		}
		t.CreatedAt = r.s.now()
		st.tracks[t.ID] = t
		created = t
		return nil
	})
	return created, err
}

// GetTrack implements domain.SpreadStore.
func (r *SpreadStore) GetTrack(_ context.Context, id int64) (domain.SpreadTrack, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.st.tracks[id]
	if !ok {
		return domain.SpreadTrack{}, domain.ErrNotFound
	}
	return t, nil
}

// ListTracks implements domain.SpreadStore.
func (r *SpreadStore) ListTracks(_ context.Context) ([]domain.SpreadTrack, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]domain.SpreadTrack, 0, len(r.s.st.tracks))
	for _, t := range r.s.st.tracks {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b domain.SpreadTrack) int { return int(a.ID - b.ID) })
	return out, nil
}

// DeleteTrack implements domain.SpreadStore.
func (r *SpreadStore) DeleteTrack(_ context.Context, id int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.st.tracks[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.s.st.tracks, id)
	return nil
}

// WithTrack implements domain.SpreadStore.
func (r *SpreadStore) WithTrack(ctx context.Context, id int64, fn func(ctx context.Context, tx domain.SpreadTx) error) error {
	return r.s.atomically(func(st *state) error {
		if _, ok := st.tracks[id]; !ok {
			return domain.ErrNotFound
		}
		return fn(ctx, &spreadTx{ledger: r.s.ledger(st), st: st, now: r.s.now, trackID: id})
	})
}

// ListEventsBefore implements domain.SpreadStore.
func (r *SpreadStore) ListEventsBefore(_ context.Context, before time.Time) ([]domain.SpreadEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.SpreadEvent
	for _, e := range r.s.st.events {
		if e.CreatedAt.Before(before) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Events returns every spread event for a track. Test helper.
func (r *SpreadStore) Events(trackID int64) []domain.SpreadEvent {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.SpreadEvent
	for _, e := range r.s.st.events {
		if e.TrackID == trackID {
			out = append(out, e)
		}
	}
	return out
}

// Rewards returns every spread reward for a track. Test helper.
func (r *SpreadStore) Rewards(trackID int64) []domain.SpreadReward {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.SpreadReward
	for _, rw := range r.s.st.rewards {
		if rw.TrackID == trackID {
			out = append(out, rw)
		}
	}
	return out
}

type spreadTx struct {
	*ledger
	st      *state
	now     func() time.Time
	trackID int64
}

func (t *spreadTx) Track() domain.SpreadTrack { return t.st.tracks[t.trackID] }

func (t *spreadTx) UpdateTrack(_ context.Context, tr domain.SpreadTrack) error {
	if _, ok := t.st.tracks[tr.ID]; !ok {
		return domain.ErrNotFound
	}
	t.st.tracks[tr.ID] = tr
	return nil
}

func (t *spreadTx) InsertEvent(_ context.Context, e domain.SpreadEvent) (domain.SpreadEvent, error) {
	e.ID = int64(len(t.st.events)) + 1
	e.CreatedAt = t.now()
	t.st.events = append(t.st.events, e)
	return e, nil
}

func (t *spreadTx) InsertReward(_ context.Context, r domain.SpreadReward) (domain.SpreadReward, error) {
	for _, existing := range t.st.rewards {
		if existing.EventID == r.EventID {
			return domain.SpreadReward{}, domain.ErrAlreadyExists
		}
	}
	r.ID = int64(len(t.st.rewards)) + 1
	r.CreatedAt = t.now()
	t.st.rewards = append(t.st.rewards, r)
	return r, nil
}

var (
	_ domain.SpreadStore = (*SpreadStore)(nil)
	_ domain.SpreadTx    = (*spreadTx)(nil)
)
