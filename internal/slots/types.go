// Package slots holds named, single-value text cells that notify their
// subscribers synchronously whenever a distinct event is written.
package slots

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var ErrUnknownKey = errors.New("unknown slot key")

type Kind int

const (
	KindInterim Kind = iota
	KindFinal
)

func (k Kind) String() string {
	if k == KindFinal {
		return "final"
	}
	return "interim"
}

// ParseKind accepts "interim" and "final".
func ParseKind(s string) (Kind, error) {
	switch s {
	case "interim":
		return KindInterim, nil
	case "final":
		return KindFinal, nil
	default:
		return KindInterim, fmt.Errorf("unknown text event kind %q", s)
	}
}

// TextEvent is one transcription or typed-text update. Seq and At are
// stamped by the registry and take no part in equality.
type TextEvent struct {
	Value string
	Kind  Kind
	Seq   uint64
	At    time.Time
}

func Final(v string) TextEvent   { return TextEvent{Value: v, Kind: KindFinal} }
func Interim(v string) TextEvent { return TextEvent{Value: v, Kind: KindInterim} }

// Same reports whether two events carry the same value and kind.
func (e TextEvent) Same(o TextEvent) bool { return e.Value == o.Value && e.Kind == o.Kind }

type Key string

// Well-known keys. Producers (capture pipeline, text field) and consumers
// (services) agree on these names.
const (
	KeySTT         Key = "stt"
	KeyTranslation Key = "translation"
	KeyTextField   Key = "textfield"
)

// CatalogVersion is bumped whenever the default key set changes.
const CatalogVersion = 1

// Catalog is the closed set of keys a registry accepts.
type Catalog struct {
	keys map[Key]struct{}
}

// NewCatalog returns the default keys plus extra.
func NewCatalog(extra ...Key) Catalog {
	c := Catalog{keys: map[Key]struct{}{
		KeySTT:         {},
		KeyTranslation: {},
		KeyTextField:   {},
	}}
	for _, k := range extra {
		if k != "" {
			c.keys[k] = struct{}{}
		}
	}
	return c
}

func (c Catalog) Has(k Key) bool {
	_, ok := c.keys[k]
	return ok
}

// Validate returns ErrUnknownKey (wrapped with the key) for keys outside the catalog.
func (c Catalog) Validate(k Key) error {
	if c.Has(k) {
		return nil
	}
	return fmt.Errorf("%w: %q (catalog v%d)", ErrUnknownKey, string(k), CatalogVersion)
}

// Keys returns the catalog keys in lexical order.
func (c Catalog) Keys() []Key {
	out := make([]Key, 0, len(c.keys))
	for k := range c.keys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
