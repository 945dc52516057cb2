package world

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrUnknownSlot  = errors.New("unknown appearance slot")
	ErrInvalidColor = errors.New("color must be #rrggbb")
)

var colorRE = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// Appearance is the avatar's cosmetic colors. An empty slot means "use the
// default"; WithDefaults fills them in.
type Appearance struct {
	Head     string `json:"head,omitempty"`
	Hair     string `json:"hair,omitempty"`
	Eyes     string `json:"eyes,omitempty"`
	Body     string `json:"body,omitempty"`
	Legs     string `json:"legs,omitempty"`
	Shoes    string `json:"shoes,omitempty"`
	Backpack string `json:"backpack,omitempty"`
}

var Slots = []string{"head", "hair", "eyes", "body", "legs", "shoes", "backpack"}

func DefaultAppearance() Appearance {
	return Appearance{
		Head:     "#ffccaa",
		Hair:     "#2c3e50",
		Eyes:     "#000000",
		Body:     "#3498db",
		Legs:     "#2c3e50",
		Shoes:    "#333333",
		Backpack: "#e74c3c",
	}
}

func (a Appearance) WithDefaults() Appearance {
	d := DefaultAppearance()
	for _, slot := range Slots {
		if *a.field(slot) == "" {
			*a.field(slot) = *d.field(slot)
		}
	}
	return a
}

func (a Appearance) Slot(name string) (string, error) {
	p := a.field(strings.ToLower(strings.TrimSpace(name)))
	if p == nil {
		return "", fmt.Errorf("%w: %q", ErrUnknownSlot, name)
	}
	return *p, nil
}

func (a *Appearance) SetSlot(name, color string) error {
	p := a.field(strings.ToLower(strings.TrimSpace(name)))
	if p == nil {
		return fmt.Errorf("%w: %q", ErrUnknownSlot, name)
	}
	color = strings.ToLower(strings.TrimSpace(color))
	if !colorRE.MatchString(color) {
		return fmt.Errorf("%w: %q", ErrInvalidColor, color)
	}
	*p = color
	return nil
}

// Validate accepts empty slots and well-formed colors only.
func (a Appearance) Validate() error {
	for _, slot := range Slots {
		v := *a.field(slot)
		if v != "" && !colorRE.MatchString(v) {
			return fmt.Errorf("%s: %w", slot, ErrInvalidColor)
		}
	}
	return nil
}

func (a *Appearance) field(slot string) *string {
	switch slot {
	case "head":
		return &a.Head
	case "hair":
		return &a.Hair
	case "eyes":
		return &a.Eyes
	case "body":
		return &a.Body
	case "legs":
		return &a.Legs
	case "shoes":
		return &a.Shoes
	case "backpack":
		return &a.Backpack
	default:
		return nil
	}
}
