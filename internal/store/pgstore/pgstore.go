// Package pgstore is the Postgres Store. Every mutating call runs in a
// serializable transaction retried on serialization failure.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"idletown/internal/economy"
	"idletown/internal/market"
	"idletown/internal/placement"
	"idletown/internal/store"
	"idletown/internal/world"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	db        *pgxpool.Pool
	log       *slog.Logger
	validator *placement.Validator
	defaults  store.Defaults
}

func New(db *pgxpool.Pool, v *placement.Validator, d store.Defaults, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, log: logger, validator: v, defaults: d}
}

// inTx runs fn in a serializable transaction, retrying with backoff when
// Postgres reports a serialization failure. Exhausted retries surface as
// store.ErrConflict.
func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	const maxAttempts = 8
	retryDelay := 75 * time.Millisecond
	for attempt := 0; attempt < maxAttempts; attempt++ {
		tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return err
		}
		err = func() error {
			defer tx.Rollback(ctx)
			if err := fn(tx); err != nil {
				return err
			}
			return tx.Commit(ctx)
		}()
		if err == nil {
			return nil
		}
		if !isSerializationError(err) {
			return err
		}
		if attempt == maxAttempts-1 {
			break
		}
		if err := sleepWithContext(ctx, retryDelay); err != nil {
			return err
		}
		if retryDelay < 1200*time.Millisecond {
			retryDelay *= 2
		}
	}
	return store.ErrConflict
}

func (s *Store) EnsurePlayer(ctx context.Context, id, name string) (store.PlayerState, error) {
	if id == "" {
		return store.PlayerState{}, fmt.Errorf("player id is required")
	}
	name, err := store.SanitizeName(name, store.DefaultName(id))
	if err != nil {
		return store.PlayerState{}, err
	}
	appearance, err := json.Marshal(world.DefaultAppearance())
	if err != nil {
		return store.PlayerState{}, err
	}
	if _, err := s.db.Exec(ctx, `
		INSERT INTO town.players (id, name, appearance, cash, energy)
		VALUES ($1, $2, $3::jsonb, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, id, name, string(appearance), s.defaults.StartingCash, s.defaults.StartingEnergy); err != nil {
		return store.PlayerState{}, err
	}
	return s.GetPlayerState(ctx, id)
}

func (s *Store) GetPlayerState(ctx context.Context, id string) (store.PlayerState, error) {
	var out store.PlayerState
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		out, err = loadPlayer(ctx, tx, id, false)
		return err
	})
	return out, err
}

func (s *Store) UpdatePlayerState(ctx context.Context, id string, p economy.Patch) (store.PlayerState, error) {
	var name *string
	if p.Name != nil {
		n, err := store.SanitizeName(*p.Name, "")
		if err != nil {
			return store.PlayerState{}, err
		}
		name = &n
	}
	var appearance *string
	if p.Appearance != nil {
		if err := p.Appearance.Validate(); err != nil {
			return store.PlayerState{}, err
		}
		b, err := json.Marshal(p.Appearance)
		if err != nil {
			return store.PlayerState{}, err
		}
		a := string(b)
		appearance = &a
	}

	var out store.PlayerState
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		cmd, err := tx.Exec(ctx, `
			UPDATE town.players
			SET cash = cash + $2,
			    deposit = GREATEST(deposit + $3, 0),
			    loan = GREATEST(loan + $4, 0),
			    energy = COALESCE(LEAST(GREATEST($5::int, 0), 100), energy),
			    name = COALESCE($6, name),
			    appearance = COALESCE($7::jsonb, appearance),
			    last_seen = now()
			WHERE id = $1
		`, id, p.CashDelta, p.DepositDelta, p.LoanDelta, p.Energy, name, appearance)
		if err != nil {
			return err
		}
		if cmd.RowsAffected() == 0 {
			return fmt.Errorf("player %s: %w", id, store.ErrNotFound)
		}
		out, err = loadPlayer(ctx, tx, id, false)
		return err
	})
	return out, err
}

// loadPlayer reads the player row and portfolio. forUpdate locks the player
// row, which is how trades and construction serialize per player.
func loadPlayer(ctx context.Context, tx pgx.Tx, id string, forUpdate bool) (store.PlayerState, error) {
	q := `
		SELECT id, name, appearance, cash, energy, income, deposit, loan, last_seen
		FROM town.players
		WHERE id = $1`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	var (
		out        store.PlayerState
		appearance []byte
	)
	err := tx.QueryRow(ctx, q, id).Scan(&out.ID, &out.Name, &appearance, &out.Cash, &out.Energy, &out.Income, &out.Deposit, &out.Loan, &out.LastSeen)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return out, fmt.Errorf("player %s: %w", id, store.ErrNotFound)
		}
		return out, err
	}
	if len(appearance) > 0 {
		if err := json.Unmarshal(appearance, &out.Appearance); err != nil {
			return out, fmt.Errorf("decode appearance: %w", err)
		}
	}

	rows, err := tx.Query(ctx, `
		SELECT symbol, shares, avg_cost
		FROM town.portfolios
		WHERE player_id = $1
	`, id)
	if err != nil {
		return out, err
	}
	defer rows.Close()
	for rows.Next() {
		var sym string
		var pos market.Position
		if err := rows.Scan(&sym, &pos.Shares, &pos.AvgCost); err != nil {
			return out, err
		}
		if out.Portfolio == nil {
			out.Portfolio = make(map[string]market.Position)
		}
		out.Portfolio[sym] = pos
	}
	return out, rows.Err()
}

func isSerializationError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
