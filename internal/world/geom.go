package world

import (
	"errors"
	"math"
)

// CellSize is the building grid pitch. It is a constant rather than a tunable
// because client and server must snap identically.
const CellSize = 2.0

var ErrCorruptPosition = errors.New("corrupt position: coordinates must be finite")

// Vec2 is a point on the ground plane (x, z).
type Vec2 struct {
	X float64 `json:"x"`
	Z float64 `json:"z"`
}

// Vec3 is an avatar position; Y is height and never affects AOI or placement.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (v Vec3) Ground() Vec2 {
	return Vec2{X: v.X, Z: v.Z}
}

func (v Vec3) Valid() bool {
	return finite(v.X) && finite(v.Y) && finite(v.Z)
}

func (v Vec2) Valid() bool {
	return finite(v.X) && finite(v.Z)
}

func (v Vec2) Lift(y float64) Vec3 {
	return Vec3{X: v.X, Y: y, Z: v.Z}
}

func Distance(a, b Vec2) float64 {
	return math.Hypot(a.X-b.X, a.Z-b.Z)
}

// Snap quantizes a continuous position to the centre of its building cell.
// Cell centres sit at odd coordinates so they never coincide with grid lines.
// Snap is idempotent: Snap(Snap(p)) == Snap(p).
func Snap(p Vec2) Vec2 {
	return Vec2{X: snapAxis(p.X), Z: snapAxis(p.Z)}
}

func snapAxis(v float64) float64 {
	return math.Floor(v/CellSize)*CellSize + CellSize/2
}

// CellOf returns integer cell coordinates for a position, used as a
// uniqueness key by stores.
func CellOf(p Vec2) (int64, int64) {
	return int64(math.Floor(p.X / CellSize)), int64(math.Floor(p.Z / CellSize))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
