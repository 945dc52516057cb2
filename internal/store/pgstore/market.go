package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"idletown/internal/market"
	"idletown/internal/store"
)

// SeedInstruments lists the default instruments on an empty market.
func (s *Store) SeedInstruments(ctx context.Context, instruments []market.Instrument) error {
	var count int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(1) FROM town.instruments`).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	for _, in := range instruments {
		if _, err := s.db.Exec(ctx, `
			INSERT INTO town.instruments (symbol, name, price, anchor)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (symbol) DO NOTHING
		`, in.Symbol, in.Name, in.Price, in.Anchor); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Quotes(ctx context.Context) ([]market.Instrument, error) {
	rows, err := s.db.Query(ctx, `
		SELECT symbol, name, price, anchor, updated_at
		FROM town.instruments
		ORDER BY symbol
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []market.Instrument
	for rows.Next() {
		var in market.Instrument
		if err := rows.Scan(&in.Symbol, &in.Name, &in.Price, &in.Anchor, &in.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// SaveQuotes writes the simulator's prices and appends them to the history.
func (s *Store) SaveQuotes(ctx context.Context, quotes []market.Instrument) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	for _, q := range quotes {
		if _, err := tx.Exec(ctx, `
			INSERT INTO town.instruments (symbol, name, price, anchor, updated_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (symbol) DO UPDATE
			SET price = EXCLUDED.price, anchor = EXCLUDED.anchor, updated_at = now()
		`, q.Symbol, q.Name, q.Price, q.Anchor); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO town.instrument_prices (symbol, tick_at, price)
			VALUES ($1, now(), $2)
			ON CONFLICT DO NOTHING
		`, q.Symbol, q.Price); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// Trade executes o at the stored price. The player row lock serializes every
// trade by that player, which covers each (player, symbol) pair.
func (s *Store) Trade(ctx context.Context, o market.Order) (market.Fill, error) {
	o.Symbol = strings.ToUpper(strings.TrimSpace(o.Symbol))
	if err := o.Validate(); err != nil {
		return market.Fill{}, err
	}
	var fill market.Fill
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var cash float64
		if err := tx.QueryRow(ctx, `
			SELECT cash FROM town.players WHERE id = $1 FOR UPDATE
		`, o.PlayerID).Scan(&cash); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("player %s: %w", o.PlayerID, store.ErrNotFound)
			}
			return err
		}
		var price float64
		if err := tx.QueryRow(ctx, `
			SELECT price FROM town.instruments WHERE symbol = $1
		`, o.Symbol).Scan(&price); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %s", market.ErrUnknownSymbol, o.Symbol)
			}
			return err
		}
		var pos market.Position
		err := tx.QueryRow(ctx, `
			SELECT shares, avg_cost FROM town.portfolios
			WHERE player_id = $1 AND symbol = $2
			FOR UPDATE
		`, o.PlayerID, o.Symbol).Scan(&pos.Shares, &pos.AvgCost)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		fill, err = market.Execute(o, cash, pos, price)
		if err != nil {
			return err
		}
		if fill.Position.Shares == 0 {
			if _, err := tx.Exec(ctx, `
				DELETE FROM town.portfolios WHERE player_id = $1 AND symbol = $2
			`, o.PlayerID, o.Symbol); err != nil {
				return err
			}
		} else if _, err := tx.Exec(ctx, `
			INSERT INTO town.portfolios (player_id, symbol, shares, avg_cost, updated_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (player_id, symbol) DO UPDATE
			SET shares = EXCLUDED.shares, avg_cost = EXCLUDED.avg_cost, updated_at = now()
		`, o.PlayerID, o.Symbol, fill.Position.Shares, fill.Position.AvgCost); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE town.players SET cash = $2, last_seen = now() WHERE id = $1
		`, o.PlayerID, fill.Cash)
		return err
	})
	return fill, err
}
