// Package gates holds the per-step completion state the workflow validates
// against. Safety, inspection and lubrication gates are not safe for
// concurrent use; the workflow machine serializes access to them.
package gates

import (
	"math"

	"github.com/fieldcrew/rigshift/internal/catalog"
	"github.com/fieldcrew/rigshift/internal/domain"
)

// SafetyItemState is a briefing text and whether it has been read.
type SafetyItemState struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
	Read    bool   `json:"read"`
}

// SafetyState is the serializable view of a SafetyGate.
type SafetyState struct {
	Items     []SafetyItemState `json:"items"`
	Confirmed bool              `json:"confirmed"`
	Signature string            `json:"signature,omitempty"`
}

// SafetyGate tracks the briefing: every item read, then a signed confirmation.
type SafetyGate struct {
	defs      []catalog.SafetyItem
	items     []SafetyItemState
	confirmed bool
	signature string
}

// NewSafetyGate creates a gate with every item unread.
func NewSafetyGate(defs []catalog.SafetyItem) *SafetyGate {
	g := &SafetyGate{defs: defs}
	g.Reset()
	return g
}

// Reset marks every item unread and drops the confirmation.
func (g *SafetyGate) Reset() {
	g.items = make([]SafetyItemState, len(g.defs))
	for i, d := range g.defs {
		g.items[i] = SafetyItemState{ID: d.ID, Title: d.Title, Content: d.Content}
	}
	g.confirmed = false
	g.signature = ""
}

// MarkRead marks one item read.
func (g *SafetyGate) MarkRead(id string) error {
	for i := range g.items {
		if g.items[i].ID == id {
			g.items[i].Read = true
			return nil
		}
	}
	return domain.ErrItemNotFound
}

// AllRead reports whether there is at least one item and all are read.
func (g *SafetyGate) AllRead() bool {
	if len(g.items) == 0 {
		return false
	}
	for _, it := range g.items {
		if !it.Read {
			return false
		}
	}
	return true
}

// Confirm stores the signature. It returns false and changes nothing unless
// every item has been read and the signature is non-empty.
func (g *SafetyGate) Confirm(signature string) bool {
	if !g.AllRead() || signature == "" {
		return false
	}
	g.signature = signature
	g.confirmed = true
	return true
}

// IsComplete reports all read, confirmed, and signed.
func (g *SafetyGate) IsComplete() bool {
	return g.AllRead() && g.confirmed && g.signature != ""
}

// Signature returns the stored signature, or "".
func (g *SafetyGate) Signature() string { return g.signature }

// Unread returns the items not yet read.
func (g *SafetyGate) Unread() []SafetyItemState {
	var out []SafetyItemState
	for _, it := range g.items {
		if !it.Read {
			out = append(out, it)
		}
	}
	return out
}

// ReadPercentage is the rounded share of read items, 0 when there are none.
func (g *SafetyGate) ReadPercentage() int {
	n := 0
	for _, it := range g.items {
		if it.Read {
			n++
		}
	}
	return percent(n, len(g.items))
}

// State returns a copy of the gate state.
func (g *SafetyGate) State() SafetyState {
	return SafetyState{
		Items:     append([]SafetyItemState(nil), g.items...),
		Confirmed: g.confirmed,
		Signature: g.signature,
	}
}

func percent(n, total int) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(float64(n) / float64(total) * 100))
}
