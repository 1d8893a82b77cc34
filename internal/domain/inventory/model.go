package inventory

import (
	"time"

	"github.com/google/uuid"
)

// Item is a reagent or consumable tracked in whole units.
type Item struct {
	ID             uuid.UUID  `json:"id"`
	Name           string     `json:"name"`
	Unit           string     `json:"unit"`
	Quantity       int64      `json:"quantity"`
	ReorderLevel   int64      `json:"reorder_level"`
	DepartmentID   *uuid.UUID `json:"department_id,omitempty"`
	DepartmentName string     `json:"department_name,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`

	LowStock bool `json:"low_stock"`
}

// Low reports whether stock is at or below the reorder level.
func (it *Item) Low() bool {
	return it.Quantity <= it.ReorderLevel
}

// Movement is one append-only change to an item's stock.
type Movement struct {
	ID            uuid.UUID `json:"id"`
	ItemID        uuid.UUID `json:"item_id"`
	Delta         int64     `json:"delta"`
	QuantityAfter int64     `json:"quantity_after"`
	Reason        string    `json:"reason"`
	CreatedBy     string    `json:"created_by"`
	CreatedAt     time.Time `json:"created_at"`
}

type Filter struct {
	LowStock     bool
	DepartmentID *uuid.UUID
	Search       string
}

type AdjustInput struct {
	Delta  int64  `json:"delta"`
	Reason string `json:"reason"`
}
