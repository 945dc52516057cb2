package world

import "math"

const (
	monumentHalfWidth = 2.5
	buildingRadius    = 1.5
)

// Blocked reports whether an avatar may not stand at p: inside the monument
// square or overlapping a building footprint.
func Blocked(p Vec2, buildings []Entity) bool {
	if !p.Valid() {
		return true
	}
	if math.Abs(p.X) < monumentHalfWidth && math.Abs(p.Z) < monumentHalfWidth {
		return true
	}
	for _, b := range buildings {
		if Distance(p, b.Position()) < buildingRadius {
			return true
		}
	}
	return false
}

type Direction string

const (
	Up    Direction = "up"
	Down  Direction = "down"
	Left  Direction = "left"
	Right Direction = "right"
)

// Step moves p one stride of length speed in direction d. Up is -Z.
func Step(p Vec3, d Direction, speed float64) (Vec3, bool) {
	switch d {
	case Up:
		p.Z -= speed
	case Down:
		p.Z += speed
	case Left:
		p.X -= speed
	case Right:
		p.X += speed
	default:
		return p, false
	}
	return p, true
}
