package gates

import (
	"github.com/fieldcrew/rigshift/internal/catalog"
	"github.com/fieldcrew/rigshift/internal/domain"
)

// Item status values shared by inspection and lubrication.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
)

// Check is one checklist line.
type Check struct {
	Name    string `json:"name"`
	Checked bool   `json:"checked"`
}

// InspectionItemState is the progress on one inspected component.
type InspectionItemState struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Required    bool             `json:"required"`
	Checklist   []Check          `json:"checklist"`
	Status      string           `json:"status"`
	PhotoBefore *domain.PhotoRef `json:"photo_before"`
	PhotoAfter  *domain.PhotoRef `json:"photo_after"`
}

func (it InspectionItemState) allChecked() bool {
	for _, c := range it.Checklist {
		if !c.Checked {
			return false
		}
	}
	return true
}

func (it InspectionItemState) complete() bool {
	return it.allChecked() && it.PhotoBefore != nil && it.PhotoAfter != nil
}

// InspectionGate tracks per-component checklists and before/after photos.
// Completion is recomputed from the current state so unchecking a line
// makes a complete item incomplete again.
type InspectionGate struct {
	defs  []catalog.InspectionItem
	items []InspectionItemState
}

// NewInspectionGate creates a gate with every item pending.
func NewInspectionGate(defs []catalog.InspectionItem) *InspectionGate {
	g := &InspectionGate{defs: defs}
	g.Reset()
	return g
}

// Reset clears every checklist and photo.
func (g *InspectionGate) Reset() {
	g.items = make([]InspectionItemState, len(g.defs))
	for i, d := range g.defs {
		checks := make([]Check, len(d.Checklist))
		for j, name := range d.Checklist {
			checks[j] = Check{Name: name}
		}
		g.items[i] = InspectionItemState{
			ID:        d.ID,
			Name:      d.Name,
			Required:  d.Required,
			Checklist: checks,
			Status:    StatusPending,
		}
	}
}

func (g *InspectionGate) find(id string) (*InspectionItemState, error) {
	for i := range g.items {
		if g.items[i].ID == id {
			return &g.items[i], nil
		}
	}
	return nil, domain.ErrItemNotFound
}

// Toggle flips one checklist line and returns its new value. Unchecking a
// line on a completed item moves it back to pending.
func (g *InspectionGate) Toggle(itemID string, index int) (bool, error) {
	it, err := g.find(itemID)
	if err != nil {
		return false, err
	}
	if index < 0 || index >= len(it.Checklist) {
		return false, domain.ErrChecklistIndex
	}
	it.Checklist[index].Checked = !it.Checklist[index].Checked
	if !it.allChecked() {
		it.Status = StatusPending
	}
	return it.Checklist[index].Checked, nil
}

// SetPhotoBefore attaches the before photo.
func (g *InspectionGate) SetPhotoBefore(itemID string, ref domain.PhotoRef) error {
	it, err := g.find(itemID)
	if err != nil {
		return err
	}
	it.PhotoBefore = &ref
	return nil
}

// SetPhotoAfter attaches the after photo and marks the item completed if its
// checklist is fully checked.
func (g *InspectionGate) SetPhotoAfter(itemID string, ref domain.PhotoRef) error {
	it, err := g.find(itemID)
	if err != nil {
		return err
	}
	it.PhotoAfter = &ref
	if it.allChecked() {
		it.Status = StatusCompleted
	}
	return nil
}

// IsItemComplete reports every line checked and both photos present.
// Unknown ids are incomplete.
func (g *InspectionGate) IsItemComplete(itemID string) bool {
	it, err := g.find(itemID)
	if err != nil {
		return false
	}
	return it.complete()
}

// IsComplete reports whether every required item is complete.
func (g *InspectionGate) IsComplete() bool {
	for _, it := range g.items {
		if it.Required && !it.complete() {
			return false
		}
	}
	return true
}

// Incomplete returns the names of required items still incomplete.
func (g *InspectionGate) Incomplete() []string {
	var out []string
	for _, it := range g.items {
		if it.Required && !it.complete() {
			out = append(out, it.Name)
		}
	}
	return out
}

// CompletionPercentage is the rounded share of required items complete.
func (g *InspectionGate) CompletionPercentage() int {
	required, done := 0, 0
	for _, it := range g.items {
		if !it.Required {
			continue
		}
		required++
		if it.complete() {
			done++
		}
	}
	return percent(done, required)
}

// Items returns a deep copy of the item states.
func (g *InspectionGate) Items() []InspectionItemState {
	out := make([]InspectionItemState, len(g.items))
	for i, it := range g.items {
		it.Checklist = append([]Check(nil), it.Checklist...)
		it.PhotoBefore = copyRef(it.PhotoBefore)
		it.PhotoAfter = copyRef(it.PhotoAfter)
		out[i] = it
	}
	return out
}

func copyRef(r *domain.PhotoRef) *domain.PhotoRef {
	if r == nil {
		return nil
	}
	v := *r
	return &v
}
