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

// RoundStore implements domain.RoundStore using PostgreSQL.
type RoundStore struct {
	pool     *pgxpool.Pool
	policy   domain.LevelPolicy
	starting int64
}

// NewRoundStore creates a new RoundStore. The level policy and starting
// balance are used by the ledger embedded in each unit of work.
func NewRoundStore(pool *pgxpool.Pool, policy domain.LevelPolicy, startingBalance int64) *RoundStore {
	return &RoundStore{pool: pool, policy: policy, starting: startingBalance}
}

const roundSelectCols = `id, state, starts_at, ends_at, start_price, end_price,
	winner_side, fee, distributable, created_at`

func scanRoundRow(row pgx.Row) (domain.Round, error) {
	var r domain.Round
	var state string
	var winner *string

	err := row.Scan(
		&r.ID, &state, &r.StartsAt, &r.EndsAt, &r.StartPrice, &r.EndPrice,
		&winner, &r.Fee, &r.Distributable, &r.CreatedAt,
	)
	if err != nil {
		return domain.Round{}, err
	}
	r.State = domain.RoundState(state)
	if winner != nil {
		side := domain.Side(*winner)
		r.WinnerSide = &side
	}
	return r, nil
}

// Latest returns the most recent round.
func (s *RoundStore) Latest(ctx context.Context) (domain.Round, error) {
	r, err := scanRoundRow(s.pool.QueryRow(ctx,
		`SELECT `+roundSelectCols+` FROM rounds ORDER BY id DESC LIMIT 1`))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Round{}, domain.ErrNotFound
		}
		return domain.Round{}, fmt.Errorf("postgres: latest round: %w", err)
	}
	return r, nil
}

// Get returns a round by id.
func (s *RoundStore) Get(ctx context.Context, id int64) (domain.Round, error) {
	r, err := scanRoundRow(s.pool.QueryRow(ctx,
		`SELECT `+roundSelectCols+` FROM rounds WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Round{}, domain.ErrNotFound
		}
		return domain.Round{}, fmt.Errorf("postgres: get round %d: %w", id, err)
	}
	return r, nil
}

// Bank returns the sum of all bets placed on a round.
func (s *RoundStore) Bank(ctx context.Context, roundID int64) (int64, error) {
	var bank int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM bets WHERE round_id = $1`, roundID,
	).Scan(&bank)
	if err != nil {
		return 0, fmt.Errorf("postgres: round %d bank: %w", roundID, err)
	}
	return bank, nil
}

// Payouts lists the payouts written for a round.
func (s *RoundStore) Payouts(ctx context.Context, roundID int64) ([]domain.Payout, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, round_id, bet_id, amount, created_at
		FROM payouts WHERE round_id = $1 ORDER BY id`, roundID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list payouts %d: %w", roundID, err)
	}
	defer rows.Close()

	var out []domain.Payout
	for rows.Next() {
		var p domain.Payout
		if err := rows.Scan(&p.ID, &p.UserID, &p.RoundID, &p.BetID, &p.Amount, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan payout: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list payouts rows: %w", err)
	}
	return out, nil
}

// ListClosedBefore returns closed rounds that ended before the cutoff along
// with their bet and payout totals.
func (s *RoundStore) ListClosedBefore(ctx context.Context, before time.Time) ([]domain.RoundSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+roundSelectCols+`,
			(SELECT COUNT(*) FROM bets b WHERE b.round_id = r.id),
			(SELECT COALESCE(SUM(amount), 0) FROM bets b WHERE b.round_id = r.id),
			(SELECT COALESCE(SUM(amount), 0) FROM payouts p WHERE p.round_id = r.id),
			(SELECT COUNT(*) FROM payouts p WHERE p.round_id = r.id)
		FROM rounds r
		WHERE state = 'CLOSED' AND ends_at < $1
		ORDER BY id`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed rounds: %w", err)
	}
	defer rows.Close()

	var out []domain.RoundSummary
	for rows.Next() {
		var (
			sum    domain.RoundSummary
			state  string
			winner *string
		)
		r := &sum.Round
		if err := rows.Scan(
			&r.ID, &state, &r.StartsAt, &r.EndsAt, &r.StartPrice, &r.EndPrice,
			&winner, &r.Fee, &r.Distributable, &r.CreatedAt,
			&sum.Bets, &sum.Bank, &sum.Paid, &sum.Winners,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan round summary: %w", err)
		}
		r.State = domain.RoundState(state)
		if winner != nil {
			side := domain.Side(*winner)
			r.WinnerSide = &side
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list closed rounds rows: %w", err)
	}
	return out, nil
}

// WithLatest implements domain.RoundStore. The latest round is selected FOR
// UPDATE so tick, bet placement and settlement serialize on it.
func (s *RoundStore) WithLatest(ctx context.Context, fn func(ctx context.Context, tx domain.RoundTx) error) error {
	return withTx(ctx, s.pool, func(tx pgx.Tx) error {
		r, err := scanRoundRow(tx.QueryRow(ctx,
			`SELECT `+roundSelectCols+` FROM rounds ORDER BY id DESC LIMIT 1 FOR UPDATE`))
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return fn(ctx, s.roundTx(tx, nil))
		case err != nil:
			return fmt.Errorf("postgres: lock latest round: %w", err)
		}
		return fn(ctx, s.roundTx(tx, &r))
	})
}

// WithRound implements domain.RoundStore.
func (s *RoundStore) WithRound(ctx context.Context, id int64, fn func(ctx context.Context, tx domain.RoundTx) error) error {
	return withTx(ctx, s.pool, func(tx pgx.Tx) error {
		r, err := scanRoundRow(tx.QueryRow(ctx,
			`SELECT `+roundSelectCols+` FROM rounds WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrNotFound
			}
			return fmt.Errorf("postgres: lock round %d: %w", id, err)
		}
		return fn(ctx, s.roundTx(tx, &r))
	})
}

func (s *RoundStore) roundTx(tx pgx.Tx, r *domain.Round) *roundTx {
	return &roundTx{
		txLedger: txLedger{db: tx, policy: s.policy, starting: s.starting},
		tx:       tx,
		round:    r,
	}
}

// roundTx is the pgx-backed domain.RoundTx.
type roundTx struct {
	txLedger
	tx    pgx.Tx
	round *domain.Round
}

func (t *roundTx) Round() *domain.Round {
	if t.round == nil {
		return nil
	}
	r := *t.round
	return &r
}

func (t *roundTx) InsertRound(ctx context.Context, r domain.Round) (domain.Round, error) {
	const query = `
		INSERT INTO rounds (state, starts_at, ends_at, start_price)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`
	if err := t.tx.QueryRow(ctx, query, string(r.State), r.StartsAt, r.EndsAt, r.StartPrice).
		Scan(&r.ID, &r.CreatedAt); err != nil {
		return domain.Round{}, fmt.Errorf("postgres: insert round: %w", err)
	}
	t.round = &r
	return r, nil
}

func (t *roundTx) UpdateRound(ctx context.Context, r domain.Round) error {
	var winner *string
	if r.WinnerSide != nil {
		w := string(*r.WinnerSide)
		winner = &w
	}
	const query = `
		UPDATE rounds SET state = $2, end_price = $3, winner_side = $4,
			fee = $5, distributable = $6
		WHERE id = $1`
	tag, err := t.tx.Exec(ctx, query, r.ID, string(r.State), r.EndPrice, winner, r.Fee, r.Distributable)
	if err != nil {
		return fmt.Errorf("postgres: update round %d: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	if t.round != nil && t.round.ID == r.ID {
		t.round = &r
	}
	return nil
}

func (t *roundTx) Bets(ctx context.Context) ([]domain.Bet, error) {
	if t.round == nil {
		return nil, nil
	}
	rows, err := t.tx.Query(ctx, `
		SELECT id, user_id, round_id, side, amount, created_at
		FROM bets WHERE round_id = $1 ORDER BY id`, t.round.ID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bets %d: %w", t.round.ID, err)
	}
	defer rows.Close()

	var out []domain.Bet
	for rows.Next() {
		var b domain.Bet
		var side string
		if err := rows.Scan(&b.ID, &b.UserID, &b.RoundID, &side, &b.Amount, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan bet: %w", err)
		}
		b.Side = domain.Side(side)
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list bets rows: %w", err)
	}
	return out, nil
}

func (t *roundTx) InsertBet(ctx context.Context, b domain.Bet) (domain.Bet, error) {
	const query = `
		INSERT INTO bets (user_id, round_id, side, amount)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`
	if err := t.tx.QueryRow(ctx, query, b.UserID, b.RoundID, string(b.Side), b.Amount).
		Scan(&b.ID, &b.CreatedAt); err != nil {
		return domain.Bet{}, fmt.Errorf("postgres: insert bet: %w", err)
	}
	return b, nil
}

func (t *roundTx) InsertPayout(ctx context.Context, p domain.Payout) (domain.Payout, error) {
	const query = `
		INSERT INTO payouts (user_id, round_id, bet_id, amount)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`
	if err := t.tx.QueryRow(ctx, query, p.UserID, p.RoundID, p.BetID, p.Amount).
		Scan(&p.ID, &p.CreatedAt); err != nil {
		return domain.Payout{}, fmt.Errorf("postgres: insert payout: %w", err)
	}
	return p, nil
}

var (
	_ domain.RoundStore = (*RoundStore)(nil)
	_ domain.RoundTx    = (*roundTx)(nil)
)
