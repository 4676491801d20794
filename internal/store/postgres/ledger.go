package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/pricearena/internal/domain"
)

// txLedger applies ledger mutations through an open transaction. Round and
// spread units of work embed it so payouts and bets share the caller's tx.
type txLedger struct {
	db       dbtx
	policy   domain.LevelPolicy
	starting int64
}

// ensureUser creates the user row on first touch.
func (l *txLedger) ensureUser(ctx context.Context, userID string) error {
	const query = `INSERT INTO users (id, balance) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`
	if _, err := l.db.Exec(ctx, query, userID, l.starting); err != nil {
		return fmt.Errorf("postgres: ensure user %s: %w", userID, err)
	}
	return nil
}

// CreditBalance adds delta to the balance in a single UPDATE. A debit that
// would leave the balance negative returns ErrInsufficientBalance; the caller
// must roll back.
func (l *txLedger) CreditBalance(ctx context.Context, userID string, delta int64) (int64, error) {
	if err := l.ensureUser(ctx, userID); err != nil {
		return 0, err
	}
	var balance int64
	const query = `UPDATE users SET balance = balance + $2 WHERE id = $1 RETURNING balance`
	if err := l.db.QueryRow(ctx, query, userID, delta).Scan(&balance); err != nil {
		return 0, fmt.Errorf("postgres: credit balance %s: %w", userID, err)
	}
	if delta < 0 && balance < 0 {
		return balance, domain.ErrInsufficientBalance
	}
	return balance, nil
}

// GrantXP increments XP and persists a level change in the same tx. Level-up
// rewards are applied through the same ledger.
func (l *txLedger) GrantXP(ctx context.Context, userID string, delta int64) (domain.XPResult, error) {
	if err := l.ensureUser(ctx, userID); err != nil {
		return domain.XPResult{}, err
	}

	var xp int64
	var level int
	const query = `UPDATE users SET xp = xp + $2 WHERE id = $1 RETURNING xp, level`
	if err := l.db.QueryRow(ctx, query, userID, delta).Scan(&xp, &level); err != nil {
		return domain.XPResult{}, fmt.Errorf("postgres: grant xp %s: %w", userID, err)
	}

	newLevel := l.policy.Curve.LevelFor(xp, level)
	if newLevel == level {
		return domain.XPResult{XP: xp, Level: level}, nil
	}

	if _, err := l.db.Exec(ctx, `UPDATE users SET level = $2 WHERE id = $1`, userID, newLevel); err != nil {
		return domain.XPResult{}, fmt.Errorf("postgres: set level %s: %w", userID, err)
	}
	if err := l.policy.ApplyLevelUps(ctx, level, newLevel, rewardApplier{ledger: l, userID: userID}); err != nil {
		return domain.XPResult{}, fmt.Errorf("postgres: level up %s: %w", userID, err)
	}
	return domain.XPResult{XP: xp, Level: newLevel, LeveledUp: true}, nil
}

// GrantXPOnce records (source, sourceID) in xp_grants and only grants when
// the insert took effect.
func (l *txLedger) GrantXPOnce(ctx context.Context, userID, source, sourceID string, amount int64) (domain.XPResult, bool, error) {
	if err := l.ensureUser(ctx, userID); err != nil {
		return domain.XPResult{}, false, err
	}

	const query = `
		INSERT INTO xp_grants (user_id, source, source_id, amount)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (source, source_id) DO NOTHING`
	tag, err := l.db.Exec(ctx, query, userID, source, sourceID, amount)
	if err != nil {
		return domain.XPResult{}, false, fmt.Errorf("postgres: record xp grant %s/%s: %w", source, sourceID, err)
	}
	if tag.RowsAffected() == 0 {
		u, err := getUser(ctx, l.db, userID)
		if err != nil {
			return domain.XPResult{}, false, err
		}
		return domain.XPResult{XP: u.XP, Level: u.Level}, false, nil
	}

	res, err := l.GrantXP(ctx, userID, amount)
	if err != nil {
		return domain.XPResult{}, false, err
	}
	return res, true, nil
}

// AdjustTrackLimit changes the per-user spread track bonus, floored at zero.
func (l *txLedger) AdjustTrackLimit(ctx context.Context, userID string, delta int64) (int, error) {
	if err := l.ensureUser(ctx, userID); err != nil {
		return 0, err
	}
	var bonus int
	const query = `
		UPDATE users SET track_limit_bonus = GREATEST(0, track_limit_bonus + $2)
		WHERE id = $1 RETURNING track_limit_bonus`
	if err := l.db.QueryRow(ctx, query, userID, delta).Scan(&bonus); err != nil {
		return 0, fmt.Errorf("postgres: adjust track limit %s: %w", userID, err)
	}
	return bonus, nil
}

// rewardApplier routes level-up rewards back into the ledger.
type rewardApplier struct {
	ledger *txLedger
	userID string
}

func (a rewardApplier) ApplyUSD(ctx context.Context, amount int64) error {
	_, err := a.ledger.CreditBalance(ctx, a.userID, amount)
	return err
}

func (a rewardApplier) ApplyXP(ctx context.Context, amount int64) error {
	_, err := a.ledger.GrantXP(ctx, a.userID, amount)
	return err
}

func (a rewardApplier) ApplyLimitDelta(ctx context.Context, delta int64) error {
	_, err := a.ledger.AdjustTrackLimit(ctx, a.userID, delta)
	return err
}

const userSelectCols = `id, balance, xp, level, track_limit_bonus, created_at`

func getUser(ctx context.Context, db dbtx, id string) (domain.User, error) {
	var u domain.User
	err := db.QueryRow(ctx, `SELECT `+userSelectCols+` FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Balance, &u.XP, &u.Level, &u.TrackLimitBonus, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, domain.ErrNotFound
		}
		return domain.User{}, fmt.Errorf("postgres: get user %s: %w", id, err)
	}
	return u, nil
}

// LedgerStore implements domain.Ledger and domain.UserStore. Each call runs
// in its own transaction.
type LedgerStore struct {
	pool     *pgxpool.Pool
	policy   domain.LevelPolicy
	starting int64
}

// NewLedgerStore creates a LedgerStore. startingBalance seeds new users.
func NewLedgerStore(pool *pgxpool.Pool, policy domain.LevelPolicy, startingBalance int64) *LedgerStore {
	return &LedgerStore{pool: pool, policy: policy, starting: startingBalance}
}

func (s *LedgerStore) ledger(db dbtx) *txLedger {
	return &txLedger{db: db, policy: s.policy, starting: s.starting}
}

// CreditBalance implements domain.Ledger.
func (s *LedgerStore) CreditBalance(ctx context.Context, userID string, delta int64) (int64, error) {
	var balance int64
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		balance, err = s.ledger(tx).CreditBalance(ctx, userID, delta)
		return err
	})
	return balance, err
}

// GrantXP implements domain.Ledger.
func (s *LedgerStore) GrantXP(ctx context.Context, userID string, delta int64) (domain.XPResult, error) {
	var res domain.XPResult
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		res, err = s.ledger(tx).GrantXP(ctx, userID, delta)
		return err
	})
	return res, err
}

// GrantXPOnce implements domain.Ledger.
func (s *LedgerStore) GrantXPOnce(ctx context.Context, userID, source, sourceID string, amount int64) (domain.XPResult, bool, error) {
	var (
		res     domain.XPResult
		granted bool
	)
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		res, granted, err = s.ledger(tx).GrantXPOnce(ctx, userID, source, sourceID, amount)
		return err
	})
	return res, granted, err
}

// AdjustTrackLimit implements domain.Ledger.
func (s *LedgerStore) AdjustTrackLimit(ctx context.Context, userID string, delta int64) (int, error) {
	var bonus int
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		bonus, err = s.ledger(tx).AdjustTrackLimit(ctx, userID, delta)
		return err
	})
	return bonus, err
}

// GetUser implements domain.UserStore.
func (s *LedgerStore) GetUser(ctx context.Context, id string) (domain.User, error) {
	return getUser(ctx, s.pool, id)
}

var (
	_ domain.Ledger    = (*LedgerStore)(nil)
	_ domain.UserStore = (*LedgerStore)(nil)
	_ domain.Ledger    = (*txLedger)(nil)
)
