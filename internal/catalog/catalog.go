// Package catalog loads the static reference data a shift runs against:
// operators, rigs, safety texts, checklist templates, lubrication points and
// warehouse stock.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fieldcrew/rigshift/internal/domain"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Rig is one piece of equipment an operator can select.
type Rig struct {
	ID            int    `yaml:"id" json:"id"`
	Name          string `yaml:"name" json:"name"`
	Location      string `yaml:"location" json:"location"`
	Type          string `yaml:"type" json:"type"`
	Serial        string `yaml:"serial,omitempty" json:"serial,omitempty"`
	Configuration string `yaml:"configuration,omitempty" json:"configuration,omitempty"`
	TelematicsID  string `yaml:"telematics_id" json:"telematics_id"`
	ModelID       string `yaml:"model_id" json:"model_id"`
}

// SafetyItem is one briefing text the operator must read.
type SafetyItem struct {
	ID      string `yaml:"id" json:"id"`
	Title   string `yaml:"title" json:"title"`
	Content string `yaml:"content" json:"content"`
}

// InspectionItem is a checklist template for one inspected component.
type InspectionItem struct {
	ID        string   `yaml:"id" json:"id"`
	Name      string   `yaml:"name" json:"name"`
	Required  bool     `yaml:"required" json:"required"`
	Checklist []string `yaml:"checklist" json:"checklist"`
}

// LubricationPoint is a grease point applicable to a set of rig models.
type LubricationPoint struct {
	ID             string   `yaml:"id" json:"id"`
	Name           string   `yaml:"name" json:"name"`
	Required       bool     `yaml:"required" json:"required"`
	GreaseRequired float64  `yaml:"grease_required" json:"grease_required"`
	GreaseType     string   `yaml:"grease_type" json:"grease_type"`
	ModelIDs       []string `yaml:"model_ids" json:"model_ids"`
}

// AppliesTo reports whether the point is serviced on the given model.
func (p LubricationPoint) AppliesTo(modelID string) bool {
	return slices.Contains(p.ModelIDs, modelID)
}

// WarehouseItem is stock held for a rig model.
type WarehouseItem struct {
	ID        string  `yaml:"id" json:"id"`
	Name      string  `yaml:"name" json:"name"`
	ModelID   string  `yaml:"model_id" json:"model_id"`
	Quantity  float64 `yaml:"quantity" json:"quantity"`
	Critical  float64 `yaml:"critical" json:"critical"`
	Unit      string  `yaml:"unit" json:"unit"`
	Lubricant bool    `yaml:"lubricant,omitempty" json:"lubricant,omitempty"`
}

// Catalog is the full reference document.
type Catalog struct {
	Operators         []domain.Operator  `yaml:"operators" json:"operators"`
	Rigs              []Rig              `yaml:"rigs" json:"rigs"`
	SafetyItems       []SafetyItem       `yaml:"safety_items" json:"safety_items"`
	InspectionItems   []InspectionItem   `yaml:"inspection_items" json:"inspection_items"`
	LubricationPoints []LubricationPoint `yaml:"lubrication_points" json:"lubrication_points"`
	WarehouseItems    []WarehouseItem    `yaml:"warehouse_items" json:"warehouse_items"`
}

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	return Parse(defaultsYAML)
}

// Load reads a catalog file. An empty path returns Default.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, domain.WrapEngineError(domain.ErrCatalogInvalid.Code, "parse catalog", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects duplicate ids, empty checklists, and negative quantities.
func (c *Catalog) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if len(c.Operators) == 0 {
		add("no operators")
	}
	if len(c.Rigs) == 0 {
		add("no rigs")
	}
	if len(c.SafetyItems) == 0 {
		add("no safety items")
	}

	seen := make(map[string]bool)
	for _, o := range c.Operators {
		if o.ID == "" {
			add("operator with empty id")
		} else if seen[o.ID] {
			add("duplicate operator %q", o.ID)
		}
		seen[o.ID] = true
	}

	rigIDs := make(map[int]bool)
	for _, r := range c.Rigs {
		if rigIDs[r.ID] {
			add("duplicate rig %d", r.ID)
		}
		rigIDs[r.ID] = true
		if r.ModelID == "" {
			add("rig %d has no model_id", r.ID)
		}
	}

	clear(seen)
	for _, s := range c.SafetyItems {
		if seen[s.ID] {
			add("duplicate safety item %q", s.ID)
		}
		seen[s.ID] = true
	}

	clear(seen)
	for _, it := range c.InspectionItems {
		if seen[it.ID] {
			add("duplicate inspection item %q", it.ID)
		}
		seen[it.ID] = true
		if len(it.Checklist) == 0 {
			add("inspection item %q has an empty checklist", it.ID)
		}
	}

	clear(seen)
	for _, p := range c.LubricationPoints {
		if seen[p.ID] {
			add("duplicate lubrication point %q", p.ID)
		}
		seen[p.ID] = true
		if p.GreaseRequired < 0 {
			add("lubrication point %q has negative grease_required", p.ID)
		}
	}

	clear(seen)
	for _, w := range c.WarehouseItems {
		if seen[w.ID] {
			add("duplicate warehouse item %q", w.ID)
		}
		seen[w.ID] = true
		if w.Quantity < 0 || w.Critical < 0 {
			add("warehouse item %q has a negative quantity", w.ID)
		}
	}

	if len(problems) > 0 {
		return domain.NewEngineError(domain.ErrCatalogInvalid.Code,
			"invalid catalog: "+strings.Join(problems, "; "))
	}
	return nil
}

// Rig looks up a rig by id.
func (c *Catalog) Rig(id int) (Rig, bool) {
	for _, r := range c.Rigs {
		if r.ID == id {
			return r, true
		}
	}
	return Rig{}, false
}

// Operator looks up an operator by id.
func (c *Catalog) Operator(id string) (domain.Operator, bool) {
	for _, o := range c.Operators {
		if o.ID == id {
			return o, true
		}
	}
	return domain.Operator{}, false
}

// PointsForModel returns the lubrication points serviced on modelID.
func (c *Catalog) PointsForModel(modelID string) []LubricationPoint {
	var out []LubricationPoint
	for _, p := range c.LubricationPoints {
		if p.AppliesTo(modelID) {
			out = append(out, p)
		}
	}
	return out
}

// Marshal renders the catalog as YAML. Operator PINs are masked unless
// withPINs is set.
func (c *Catalog) Marshal(withPINs bool) ([]byte, error) {
	out := *c
	if !withPINs {
		out.Operators = make([]domain.Operator, len(c.Operators))
		for i, o := range c.Operators {
			o.PIN = "****"
			out.Operators[i] = o
		}
	}
	return yaml.Marshal(&out)
}
