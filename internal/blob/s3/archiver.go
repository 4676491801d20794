package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/pricearena/internal/domain"
)

// RoundArchiveStore provides read access to settled rounds for archival.
type RoundArchiveStore interface {
	// ListClosedBefore returns every CLOSED round whose end time is strictly
	// before the cutoff.
	ListClosedBefore(ctx context.Context, before time.Time) ([]domain.RoundSummary, error)
}

// SpreadArchiveStore provides read access to spread transitions for
// archival.
type SpreadArchiveStore interface {
	// ListEventsBefore returns every spread event recorded strictly before
	// the cutoff.
	ListEventsBefore(ctx context.Context, before time.Time) ([]domain.SpreadEvent, error)
}

// ArchiveImpl implements domain.Archiver by querying the stores for old
// records, serializing them to JSONL, and uploading the result to object
// storage.
//
// Archived rows are not deleted from the primary store here.
type ArchiveImpl struct {
	writer  domain.BlobWriter
	rounds  RoundArchiveStore
	spreads SpreadArchiveStore
	audit   domain.AuditStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(
	writer domain.BlobWriter,
	rounds RoundArchiveStore,
	spreads SpreadArchiveStore,
	audit domain.AuditStore,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer:  writer,
		rounds:  rounds,
		spreads: spreads,
		audit:   audit,
	}
}

// ArchiveRounds uploads a summary of every closed round before the cutoff
// to archive/rounds/YYYY-MM.jsonl.
func (a *ArchiveImpl) ArchiveRounds(ctx context.Context, before time.Time) (int64, error) {
	rounds, err := a.rounds.ListClosedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive rounds query: %w", err)
	}
	return archive(ctx, a, "rounds", before, rounds)
}

// ArchiveSpreadEvents uploads every spread transition before the cutoff to
// archive/spread_events/YYYY-MM.jsonl.
func (a *ArchiveImpl) ArchiveSpreadEvents(ctx context.Context, before time.Time) (int64, error) {
	events, err := a.spreads.ListEventsBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive spread events query: %w", err)
	}
	return archive(ctx, a, "spread_events", before, events)
}

// multipartThreshold is the payload size above which archives are uploaded
// in parts.
const multipartThreshold = 4 * minPartSize

// archive writes records as one JSONL object and logs the run to the audit
// store. Nothing is uploaded for an empty batch.
func archive[T any](ctx context.Context, a *ArchiveImpl, kind string, before time.Time, records []T) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}

	path := archivePath(kind, before)
	if int64(len(buf)) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}

	count := int64(len(records))
	if a.audit == nil {
		return count, nil
	}
	if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive %s audit log: %w", kind, err)
	}
	return count, nil
}

// archivePath builds the object key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/rounds/2026-01.jsonl
//	archive/spread_events/2026-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Format("2006-01"))
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*ArchiveImpl)(nil)
