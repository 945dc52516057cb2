package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"idletown/internal/placement"
	"idletown/internal/store"
	"idletown/internal/world"
)

const entityColumns = `id, owner_id, type, level, x, z, income_rate, created_at`

func scanEntity(row pgx.Row) (world.Entity, error) {
	var e world.Entity
	var typ string
	if err := row.Scan(&e.ID, &e.OwnerID, &typ, &e.Level, &e.X, &e.Z, &e.IncomeRate, &e.CreatedAt); err != nil {
		return e, err
	}
	e.Type = world.BuildingType(typ)
	return e, nil
}

func collectEntities(rows pgx.Rows) ([]world.Entity, error) {
	defer rows.Close()
	var out []world.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		if !e.Valid() {
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nearTx(ctx context.Context, q interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}, center world.Vec2, radius float64) ([]world.Entity, error) {
	rows, err := q.Query(ctx, `
		SELECT `+entityColumns+`
		FROM town.entities
		WHERE x BETWEEN $1 - $3 AND $1 + $3
		  AND z BETWEEN $2 - $3 AND $2 + $3
		  AND (x - $1) * (x - $1) + (z - $2) * (z - $2) <= $3 * $3
		ORDER BY id
	`, center.X, center.Z, radius)
	if err != nil {
		return nil, err
	}
	return collectEntities(rows)
}

// claimSite re-checks the zone and spacing inside tx and inserts e. The
// unique (cell_x, cell_z) constraint backs up the spacing check when two
// transactions race for one cell.
func (s *Store) claimSite(ctx context.Context, tx pgx.Tx, e world.Entity) error {
	cell := e.Position()
	near, err := nearTx(ctx, tx, cell, s.validator.Rules().MinSpacing)
	if err != nil {
		return err
	}
	if err := s.validator.CheckSite(cell, near); err != nil {
		return err
	}
	cx, cz := world.CellOf(cell)
	_, err = tx.Exec(ctx, `
		INSERT INTO town.entities (id, owner_id, type, level, x, z, cell_x, cell_z, income_rate, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.ID, e.OwnerID, string(e.Type), e.Level, e.X, e.Z, cx, cz, e.IncomeRate, e.CreatedAt)
	if isUniqueViolation(err) {
		return &placement.Rejection{Reason: placement.Occupied, Cell: cell}
	}
	return err
}

func (s *Store) InsertEntity(ctx context.Context, e world.Entity) (world.Entity, error) {
	if !e.Position().Valid() {
		return world.Entity{}, world.ErrCorruptPosition
	}
	if e.ID == "" || e.IsPending() {
		e.Ref = world.Confirmed(uuid.NewString())
	}
	cell := world.Snap(e.Position())
	e.X, e.Z = cell.X, cell.Z
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if e.CreatedAt.IsZero() {
			if err := tx.QueryRow(ctx, `SELECT now()`).Scan(&e.CreatedAt); err != nil {
				return err
			}
		}
		return s.claimSite(ctx, tx, e)
	})
	if err != nil {
		return world.Entity{}, err
	}
	return e, nil
}

func (s *Store) CommitConstruction(ctx context.Context, c store.Construction) (world.Entity, error) {
	spec, err := world.SpecFor(c.Type)
	if err != nil {
		return world.Entity{}, err
	}
	key := strings.TrimSpace(c.IdempotencyKey)

	var out world.Entity
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		player, err := loadPlayer(ctx, tx, c.OwnerID, true)
		if err != nil {
			return err
		}
		if key != "" {
			var prior *string
			err := tx.QueryRow(ctx, `
				SELECT entity_id FROM town.idempotency_keys
				WHERE player_id = $1 AND key = $2
			`, c.OwnerID, key).Scan(&prior)
			switch {
			case err == nil && prior != nil:
				out, err = scanEntity(tx.QueryRow(ctx, `SELECT `+entityColumns+` FROM town.entities WHERE id = $1`, *prior))
				return err
			case err != nil && !errors.Is(err, pgx.ErrNoRows):
				return err
			}
		}

		verdict := s.validator.Validate(placement.Request{
			RequesterID: c.OwnerID,
			Cash:        player.Cash,
			Cost:        spec.Cost,
			Target:      world.Vec2{X: c.X, Z: c.Z},
		}, nil)
		if err := verdict.Err(); err != nil {
			return err
		}
		e := world.Entity{
			Ref:        world.Confirmed(uuid.NewString()),
			OwnerID:    c.OwnerID,
			Type:       c.Type,
			Level:      1,
			X:          verdict.Cell.X,
			Z:          verdict.Cell.Z,
			IncomeRate: world.IncomeRate(c.Type, 1),
		}
		if err := tx.QueryRow(ctx, `SELECT now()`).Scan(&e.CreatedAt); err != nil {
			return err
		}
		if err := s.claimSite(ctx, tx, e); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE town.players
			SET cash = cash - $2, income = income + $3, last_seen = now()
			WHERE id = $1
		`, c.OwnerID, spec.Cost, e.IncomeRate); err != nil {
			return err
		}
		if key != "" {
			if _, err := tx.Exec(ctx, `
				INSERT INTO town.idempotency_keys (player_id, key, action, entity_id)
				VALUES ($1, $2, 'construct', $3)
			`, c.OwnerID, key, e.ID); err != nil {
				return err
			}
		}
		out = e
		return nil
	})
	if err != nil {
		return world.Entity{}, err
	}
	return out, nil
}

func (s *Store) QueryEntitiesNear(ctx context.Context, x, z, radius float64) ([]world.Entity, error) {
	center := world.Vec2{X: x, Z: z}
	if !center.Valid() {
		return nil, world.ErrCorruptPosition
	}
	return nearTx(ctx, s.db, center, radius)
}

func (s *Store) ListEntitiesByOwner(ctx context.Context, ownerID string) ([]world.Entity, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+entityColumns+`
		FROM town.entities
		WHERE owner_id = $1
		ORDER BY id
	`, ownerID)
	if err != nil {
		return nil, err
	}
	return collectEntities(rows)
}

func (s *Store) UpgradeEntity(ctx context.Context, ownerID, entityID string) (store.UpgradeResult, error) {
	var out store.UpgradeResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		player, err := loadPlayer(ctx, tx, ownerID, true)
		if err != nil {
			return err
		}
		cur, err := scanEntity(tx.QueryRow(ctx, `
			SELECT `+entityColumns+` FROM town.entities WHERE id = $1 FOR UPDATE
		`, entityID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("entity %s: %w", entityID, store.ErrNotFound)
			}
			return err
		}
		if cur.OwnerID != ownerID {
			return store.ErrNotOwner
		}
		next, err := world.Upgrade(cur, s.defaults.MaxLevel)
		if err != nil {
			return err
		}
		cost := world.UpgradeCost(cur.Type, cur.Level)
		if cost > player.Cash {
			return fmt.Errorf("%w: upgrade costs %.0f", placement.ErrInsufficientFunds, cost)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE town.entities SET level = $2, income_rate = $3 WHERE id = $1
		`, entityID, next.Level, next.IncomeRate); err != nil {
			return err
		}
		delta := next.IncomeRate - cur.IncomeRate
		if err := tx.QueryRow(ctx, `
			UPDATE town.players
			SET cash = cash - $2, income = income + $3, last_seen = now()
			WHERE id = $1
			RETURNING cash
		`, ownerID, cost, delta).Scan(&out.Cash); err != nil {
			return err
		}
		out.Entity = next
		out.Cost = cost
		out.IncomeDelta = delta
		return nil
	})
	return out, err
}
