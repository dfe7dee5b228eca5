package gates

import (
	"sync"

	"github.com/fieldcrew/rigshift/internal/catalog"
	"github.com/fieldcrew/rigshift/internal/domain"
)

// StockChecker is the inventory capability step 1 depends on.
type StockChecker interface {
	HasSufficientStock(modelID string) bool
}

// GreaseShortage names a lubrication point the model's lubricant stock cannot cover.
type GreaseShortage struct {
	PointID    string  `json:"pointId"`
	GreaseType string  `json:"greaseType"`
	Required   float64 `json:"required"`
	Available  float64 `json:"available"`
}

// Warehouse holds stock levels per rig model. It is safe for concurrent use.
type Warehouse struct {
	mu    sync.RWMutex
	items []catalog.WarehouseItem
}

// NewWarehouse copies the initial stock.
func NewWarehouse(items []catalog.WarehouseItem) *Warehouse {
	return &Warehouse{items: append([]catalog.WarehouseItem(nil), items...)}
}

// HasSufficientStock reports whether no item for modelID is below its
// critical level. A model with no items has sufficient stock.
func (w *Warehouse) HasSufficientStock(modelID string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, it := range w.items {
		if it.ModelID == modelID && it.Quantity < it.Critical {
			return false
		}
	}
	return true
}

// Shortages returns the model's items below critical.
func (w *Warehouse) Shortages(modelID string) []catalog.WarehouseItem {
	return w.filter(func(it catalog.WarehouseItem) bool {
		return it.ModelID == modelID && it.Quantity < it.Critical
	})
}

// CriticalItems returns items at or below their critical level.
func (w *Warehouse) CriticalItems() []catalog.WarehouseItem {
	return w.filter(func(it catalog.WarehouseItem) bool { return it.Quantity <= it.Critical })
}

// LowStockItems returns items with critical <= quantity < 2*critical.
func (w *Warehouse) LowStockItems() []catalog.WarehouseItem {
	return w.filter(func(it catalog.WarehouseItem) bool {
		return it.Quantity >= it.Critical && it.Quantity < it.Critical*2
	})
}

// ItemsForModel returns the items stocked for modelID.
func (w *Warehouse) ItemsForModel(modelID string) []catalog.WarehouseItem {
	return w.filter(func(it catalog.WarehouseItem) bool { return it.ModelID == modelID })
}

// Items returns every item.
func (w *Warehouse) Items() []catalog.WarehouseItem {
	return w.filter(func(catalog.WarehouseItem) bool { return true })
}

func (w *Warehouse) filter(keep func(catalog.WarehouseItem) bool) []catalog.WarehouseItem {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var out []catalog.WarehouseItem
	for _, it := range w.items {
		if keep(it) {
			out = append(out, it)
		}
	}
	return out
}

// Consume subtracts amount from an item, flooring at 0, and returns the new quantity.
func (w *Warehouse) Consume(itemID string, amount float64) (float64, error) {
	if amount < 0 {
		return 0, domain.ErrInvalidQuantity
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.items {
		if w.items[i].ID == itemID {
			w.items[i].Quantity = max(0, w.items[i].Quantity-amount)
			return w.items[i].Quantity, nil
		}
	}
	return 0, domain.ErrItemNotFound
}

// SetQuantity overwrites an item's quantity, flooring at 0.
func (w *Warehouse) SetQuantity(itemID string, quantity float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.items {
		if w.items[i].ID == itemID {
			w.items[i].Quantity = max(0, quantity)
			return nil
		}
	}
	return domain.ErrItemNotFound
}

// GreaseShortages checks, for each point, that a lubricant item for modelID
// named after the point's grease type holds at least the required amount.
func (w *Warehouse) GreaseShortages(modelID string, points []catalog.LubricationPoint) []GreaseShortage {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var out []GreaseShortage
	for _, p := range points {
		var available float64
		for _, it := range w.items {
			if it.ModelID == modelID && it.Lubricant && it.Name == p.GreaseType {
				available = it.Quantity
				break
			}
		}
		if available < p.GreaseRequired {
			out = append(out, GreaseShortage{
				PointID:    p.ID,
				GreaseType: p.GreaseType,
				Required:   p.GreaseRequired,
				Available:  available,
			})
		}
	}
	return out
}
