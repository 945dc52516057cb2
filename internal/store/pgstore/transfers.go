package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"idletown/internal/economy"
	"idletown/internal/store"
)

func (s *Store) Transfer(ctx context.Context, fromID, toID string, amount float64) (store.TransferResult, error) {
	if !(amount > 0) {
		return store.TransferResult{}, store.ErrInvalidAmount
	}
	if fromID == toID {
		return store.TransferResult{}, store.ErrSelfTransfer
	}
	out := store.TransferResult{FromID: fromID, ToID: toID, Amount: amount}
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		// Both rows locked in id order so opposite transfers cannot deadlock.
		rows, err := tx.Query(ctx, `
			SELECT id, cash FROM town.players
			WHERE id = ANY($1)
			ORDER BY id
			FOR UPDATE
		`, []string{fromID, toID})
		if err != nil {
			return err
		}
		balances := make(map[string]float64, 2)
		for rows.Next() {
			var id string
			var cash float64
			if err := rows.Scan(&id, &cash); err != nil {
				rows.Close()
				return err
			}
			balances[id] = cash
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, id := range []string{fromID, toID} {
			if _, ok := balances[id]; !ok {
				return fmt.Errorf("player %s: %w", id, store.ErrNotFound)
			}
		}
		if balances[fromID] < amount {
			return fmt.Errorf("%w: have %.2f", economy.ErrInsufficientFunds, balances[fromID])
		}
		if _, err := tx.Exec(ctx, `UPDATE town.players SET cash = cash - $2 WHERE id = $1`, fromID, amount); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE town.players SET cash = cash + $2 WHERE id = $1`, toID, amount); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO town.transfers (from_id, to_id, amount) VALUES ($1, $2, $3)
		`, fromID, toID, amount); err != nil {
			return err
		}
		out.Cash = balances[fromID] - amount
		return nil
	})
	return out, err
}

func (s *Store) Leaderboard(ctx context.Context, limit int) ([]store.LeaderboardRow, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, cash, income
		FROM town.players
		ORDER BY cash DESC, id
		LIMIT $1
	`, store.ClampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.LeaderboardRow
	for rows.Next() {
		var r store.LeaderboardRow
		if err := rows.Scan(&r.PlayerID, &r.Name, &r.Cash, &r.Income); err != nil {
			return nil, err
		}
		r.Rank = len(out) + 1
		out = append(out, r)
	}
	return out, rows.Err()
}
