// Package spatial holds the server-side index of constructed buildings.
//
// Entities are bucketed into square cells so that a radius query only visits
// the cells overlapping the query's bounding box. The index is safe for
// concurrent use: queries share a read lock, inserts and upgrades take the
// write lock.
package spatial

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"idletown/internal/world"
)

const DefaultBucketSize = 16.0

var (
	ErrDuplicate = errors.New("entity already indexed")
	ErrNotFound  = errors.New("entity not found")
	ErrNotOwner  = errors.New("entity belongs to another player")
)

type bucketKey struct {
	bx int64
	bz int64
}

type Index struct {
	mu         sync.RWMutex
	bucketSize float64
	buckets    map[bucketKey]map[string]struct{}
	entities   map[string]world.Entity
}

func New(bucketSize float64) *Index {
	if bucketSize <= 0 {
		bucketSize = DefaultBucketSize
	}
	return &Index{
		bucketSize: bucketSize,
		buckets:    make(map[bucketKey]map[string]struct{}),
		entities:   make(map[string]world.Entity),
	}
}

func (idx *Index) key(p world.Vec2) bucketKey {
	return bucketKey{
		bx: int64(math.Floor(p.X / idx.bucketSize)),
		bz: int64(math.Floor(p.Z / idx.bucketSize)),
	}
}

// Insert adds a confirmed entity. Entities with non-finite coordinates are
// refused so they never reach query results.
func (idx *Index) Insert(e world.Entity) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.insertLocked(e)
}

func (idx *Index) insertLocked(e world.Entity) error {
	if !e.Position().Valid() {
		return fmt.Errorf("insert %s: %w", e.ID, world.ErrCorruptPosition)
	}
	if e.ID == "" || e.IsPending() {
		return fmt.Errorf("insert: entity needs a confirmed id")
	}
	if _, ok := idx.entities[e.ID]; ok {
		return fmt.Errorf("insert %s: %w", e.ID, ErrDuplicate)
	}
	k := idx.key(e.Position())
	bucket := idx.buckets[k]
	if bucket == nil {
		bucket = make(map[string]struct{})
		idx.buckets[k] = bucket
	}
	bucket[e.ID] = struct{}{}
	idx.entities[e.ID] = e
	return nil
}

// Claim inserts e only if guard accepts the entities currently near e's
// position. The neighbourhood read and the insert happen under one write
// lock, so two racing claims for the same cell cannot both succeed.
func (idx *Index) Claim(e world.Entity, radius float64, guard func(near []world.Entity) error) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if !e.Position().Valid() {
		return fmt.Errorf("claim %s: %w", e.ID, world.ErrCorruptPosition)
	}
	if guard != nil {
		if err := guard(idx.queryLocked(e.Position(), radius)); err != nil {
			return err
		}
	}
	return idx.insertLocked(e)
}

// Query returns every entity within radius of center, ordered by id.
func (idx *Index) Query(center world.Vec2, radius float64) []world.Entity {
	if !center.Valid() || radius < 0 || math.IsNaN(radius) {
		return nil
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.queryLocked(center, radius)
}

func (idx *Index) queryLocked(center world.Vec2, radius float64) []world.Entity {
	lo := idx.key(world.Vec2{X: center.X - radius, Z: center.Z - radius})
	hi := idx.key(world.Vec2{X: center.X + radius, Z: center.Z + radius})
	var out []world.Entity
	for bx := lo.bx; bx <= hi.bx; bx++ {
		for bz := lo.bz; bz <= hi.bz; bz++ {
			for id := range idx.buckets[bucketKey{bx: bx, bz: bz}] {
				e := idx.entities[id]
				if world.Distance(center, e.Position()) <= radius {
					out = append(out, e)
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (idx *Index) Get(id string) (world.Entity, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.entities[id]
	return e, ok
}

func (idx *Index) ByOwner(ownerID string) []world.Entity {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var out []world.Entity
	for _, e := range idx.entities {
		if e.OwnerID == ownerID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Upgrade is the single mutation entry point for indexed entities. check runs
// under the write lock before the level changes and may veto the upgrade
// (ownership, funds). The new state is returned.
func (idx *Index) Upgrade(id string, maxLevel int, check func(current, next world.Entity) error) (world.Entity, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	cur, ok := idx.entities[id]
	if !ok {
		return world.Entity{}, ErrNotFound
	}
	next, err := world.Upgrade(cur, maxLevel)
	if err != nil {
		return cur, err
	}
	if check != nil {
		if err := check(cur, next); err != nil {
			return cur, err
		}
	}
	idx.entities[id] = next
	return next, nil
}

func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entities)
}
