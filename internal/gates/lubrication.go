package gates

import (
	"github.com/fieldcrew/rigshift/internal/catalog"
	"github.com/fieldcrew/rigshift/internal/domain"
)

// LubricationPointState is the progress on one grease point.
type LubricationPointState struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	Required       bool             `json:"required"`
	GreaseType     string           `json:"grease_type"`
	GreaseRequired float64          `json:"grease_required"`
	GreaseUsed     float64          `json:"grease_used"`
	Status         string           `json:"status"`
	Photo          *domain.PhotoRef `json:"photo"`
}

func (p LubricationPointState) complete() bool {
	return p.Photo != nil && p.GreaseUsed >= p.GreaseRequired
}

// LubricationGate tracks the grease points of the selected rig's model. It
// is empty until Init.
type LubricationGate struct {
	defs    []catalog.LubricationPoint
	modelID string
	points  []LubricationPointState
}

// NewLubricationGate creates an uninitialized gate.
func NewLubricationGate(defs []catalog.LubricationPoint) *LubricationGate {
	return &LubricationGate{defs: defs}
}

// Init scopes the gate to the points applicable to modelID, all pending.
func (g *LubricationGate) Init(modelID string) {
	g.modelID = modelID
	g.points = g.points[:0]
	for _, d := range g.defs {
		if !d.AppliesTo(modelID) {
			continue
		}
		g.points = append(g.points, LubricationPointState{
			ID:             d.ID,
			Name:           d.Name,
			Required:       d.Required,
			GreaseType:     d.GreaseType,
			GreaseRequired: d.GreaseRequired,
			Status:         StatusPending,
		})
	}
}

// Reset drops the model scope.
func (g *LubricationGate) Reset() {
	g.modelID = ""
	g.points = nil
}

// ModelID returns the model the gate was initialized for, or "".
func (g *LubricationGate) ModelID() string { return g.modelID }

func (g *LubricationGate) find(id string) (*LubricationPointState, error) {
	for i := range g.points {
		if g.points[i].ID == id {
			return &g.points[i], nil
		}
	}
	return nil, domain.ErrItemNotFound
}

// SetPhoto records the photo, marks the point completed and sets greaseUsed
// to greaseRequired. The photo is the only way a point completes.
func (g *LubricationGate) SetPhoto(pointID string, ref domain.PhotoRef) error {
	p, err := g.find(pointID)
	if err != nil {
		return err
	}
	p.Photo = &ref
	p.Status = StatusCompleted
	p.GreaseUsed = p.GreaseRequired
	return nil
}

// IsItemComplete reports photo present and enough grease applied.
func (g *LubricationGate) IsItemComplete(pointID string) bool {
	p, err := g.find(pointID)
	if err != nil {
		return false
	}
	return p.complete()
}

// IsComplete reports whether the gate is initialized and every point
// applicable to the model is complete, required or not.
func (g *LubricationGate) IsComplete() bool {
	if g.modelID == "" {
		return false
	}
	for _, p := range g.points {
		if !p.complete() {
			return false
		}
	}
	return true
}

// Incomplete returns the names of applicable points still incomplete.
func (g *LubricationGate) Incomplete() []string {
	var out []string
	for _, p := range g.points {
		if !p.complete() {
			out = append(out, p.Name)
		}
	}
	return out
}

// CompletionPercentage is the rounded share of required points complete.
func (g *LubricationGate) CompletionPercentage() int {
	required, done := 0, 0
	for _, p := range g.points {
		if !p.Required {
			continue
		}
		required++
		if p.complete() {
			done++
		}
	}
	return percent(done, required)
}

// TotalGreaseRequired sums greaseRequired over required points.
func (g *LubricationGate) TotalGreaseRequired() float64 {
	var sum float64
	for _, p := range g.points {
		if p.Required {
			sum += p.GreaseRequired
		}
	}
	return sum
}

// TotalGreaseUsed sums greaseUsed over required points.
func (g *LubricationGate) TotalGreaseUsed() float64 {
	var sum float64
	for _, p := range g.points {
		if p.Required {
			sum += p.GreaseUsed
		}
	}
	return sum
}

// Points returns a copy of the point states.
func (g *LubricationGate) Points() []LubricationPointState {
	out := make([]LubricationPointState, len(g.points))
	for i, p := range g.points {
		p.Photo = copyRef(p.Photo)
		out[i] = p
	}
	return out
}
