package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/pricearena/internal/domain"
)

// SpreadStore implements domain.SpreadStore using PostgreSQL.
type SpreadStore struct {
	pool     *pgxpool.Pool
	policy   domain.LevelPolicy
	starting int64
}

// NewSpreadStore creates a new SpreadStore backed by the given connection pool.
func NewSpreadStore(pool *pgxpool.Pool, policy domain.LevelPolicy, startingBalance int64) *SpreadStore {
	return &SpreadStore{pool: pool, policy: policy, starting: startingBalance}
}

const trackSelectCols = `id, user_id, exchange, symbol, chain, dex_pair, status,
	last_spread_at, last_converged_at, cooldown_until, created_at`

func scanTrackRow(row pgx.Row) (domain.SpreadTrack, error) {
	var t domain.SpreadTrack
	var status string
	err := row.Scan(
		&t.ID, &t.UserID, &t.Exchange, &t.Symbol, &t.Chain, &t.DexPair, &status,
		&t.LastSpreadAt, &t.LastConvergedAt, &t.CooldownUntil, &t.CreatedAt,
	)
	if err != nil {
		return domain.SpreadTrack{}, err
	}
	t.Status = domain.TrackStatus(status)
	return t, nil
}

// CreateTrack inserts a track while holding a per-user advisory lock so two
// concurrent requests cannot both slip under the limit.
func (s *SpreadStore) CreateTrack(ctx context.Context, t domain.SpreadTrack, baseLimit int) (domain.SpreadTrack, error) {
	var created domain.SpreadTrack
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		l := txLedger{db: tx, policy: s.policy, starting: s.starting}
		if err := l.ensureUser(ctx, t.UserID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "spread_tracks:"+t.UserID); err != nil {
			return fmt.Errorf("postgres: lock tracks for %s: %w", t.UserID, err)
		}

		var count, bonus int
		err := tx.QueryRow(ctx, `
			SELECT (SELECT COUNT(*) FROM spread_tracks WHERE user_id = $1), track_limit_bonus
			FROM users WHERE id = $1`, t.UserID,
		).Scan(&count, &bonus)
		if err != nil {
			return fmt.Errorf("postgres: count tracks for %s: %w", t.UserID, err)
		}
		if count >= baseLimit+bonus {
			return domain.ErrTrackLimit
		}

		if t.Status == "" {
			t.Status = domain.TrackIdle
		}
		created, err = scanTrackRow(tx.QueryRow(ctx, `
			INSERT INTO spread_tracks (user_id, exchange, symbol, chain, dex_pair, status)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING `+trackSelectCols,
			t.UserID, t.Exchange, t.Symbol, t.Chain, t.DexPair, string(t.Status),
		))
		if err != nil {
			return fmt.Errorf("postgres: insert track: %w", err)
		}
		return nil
	})
	return created, err
}

// GetTrack returns a track by id.
func (s *SpreadStore) GetTrack(ctx context.Context, id int64) (domain.SpreadTrack, error) {
	t, err := scanTrackRow(s.pool.QueryRow(ctx,
		`SELECT `+trackSelectCols+` FROM spread_tracks WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SpreadTrack{}, domain.ErrNotFound
		}
		return domain.SpreadTrack{}, fmt.Errorf("postgres: get track %d: %w", id, err)
	}
	return t, nil
}

// ListTracks returns every track in id order.
func (s *SpreadStore) ListTracks(ctx context.Context) ([]domain.SpreadTrack, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+trackSelectCols+` FROM spread_tracks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list tracks: %w", err)
	}
	defer rows.Close()

	var out []domain.SpreadTrack
	for rows.Next() {
		t, err := scanTrackRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan track: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list tracks rows: %w", err)
	}
	return out, nil
}

// DeleteTrack removes a track. Its events and rewards stay for the archive.
func (s *SpreadStore) DeleteTrack(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM spread_tracks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete track %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// WithTrack runs fn holding a row lock on the track.
func (s *SpreadStore) WithTrack(ctx context.Context, id int64, fn func(ctx context.Context, tx domain.SpreadTx) error) error {
	return withTx(ctx, s.pool, func(tx pgx.Tx) error {
		t, err := scanTrackRow(tx.QueryRow(ctx,
			`SELECT `+trackSelectCols+` FROM spread_tracks WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrNotFound
			}
			return fmt.Errorf("postgres: lock track %d: %w", id, err)
		}
		return fn(ctx, &spreadTx{
			txLedger: txLedger{db: tx, policy: s.policy, starting: s.starting},
			tx:       tx,
			track:    t,
		})
	})
}

// ListEventsBefore returns spread events created before the cutoff.
func (s *SpreadStore) ListEventsBefore(ctx context.Context, before time.Time) ([]domain.SpreadEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, track_id, kind, cex_price, dex_price, bps, created_at
		FROM spread_events WHERE created_at < $1 ORDER BY id`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list spread events: %w", err)
	}
	defer rows.Close()

	var out []domain.SpreadEvent
	for rows.Next() {
		var e domain.SpreadEvent
		var kind string
		if err := rows.Scan(&e.ID, &e.TrackID, &kind, &e.CexPrice, &e.DexPrice, &e.Bps, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan spread event: %w", err)
		}
		e.Kind = domain.SpreadEventKind(kind)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list spread events rows: %w", err)
	}
	return out, nil
}

// spreadTx is the pgx-backed domain.SpreadTx.
type spreadTx struct {
	txLedger
	tx    pgx.Tx
	track domain.SpreadTrack
}

func (t *spreadTx) Track() domain.SpreadTrack { return t.track }

func (t *spreadTx) UpdateTrack(ctx context.Context, tr domain.SpreadTrack) error {
	const query = `
		UPDATE spread_tracks SET status = $2, last_spread_at = $3,
			last_converged_at = $4, cooldown_until = $5
		WHERE id = $1`
	if _, err := t.tx.Exec(ctx, query, tr.ID, string(tr.Status),
		tr.LastSpreadAt, tr.LastConvergedAt, tr.CooldownUntil); err != nil {
		return fmt.Errorf("postgres: update track %d: %w", tr.ID, err)
	}
	t.track = tr
	return nil
}

func (t *spreadTx) InsertEvent(ctx context.Context, e domain.SpreadEvent) (domain.SpreadEvent, error) {
	const query = `
		INSERT INTO spread_events (track_id, kind, cex_price, dex_price, bps)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`
	if err := t.tx.QueryRow(ctx, query, e.TrackID, string(e.Kind), e.CexPrice, e.DexPrice, e.Bps).
		Scan(&e.ID, &e.CreatedAt); err != nil {
		return domain.SpreadEvent{}, fmt.Errorf("postgres: insert spread event: %w", err)
	}
	return e, nil
}

func (t *spreadTx) InsertReward(ctx context.Context, r domain.SpreadReward) (domain.SpreadReward, error) {
	const query = `
		INSERT INTO spread_rewards (track_id, event_id, user_id, type, amount)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`
	if err := t.tx.QueryRow(ctx, query, r.TrackID, r.EventID, r.UserID, r.Type, r.Amount).
		Scan(&r.ID, &r.CreatedAt); err != nil {
		return domain.SpreadReward{}, fmt.Errorf("postgres: insert spread reward: %w", err)
	}
	return r, nil
}

var (
	_ domain.SpreadStore = (*SpreadStore)(nil)
	_ domain.SpreadTx    = (*spreadTx)(nil)
)
