package document

import "time"

// InventoryKeyColumn identifies rows of the store inventory view.
const InventoryKeyColumn = "inventory_id"

// Inventory is the flattened per-store stock projection.
type Inventory struct {
	InventoryID        string     `json:"inventory_id"`
	StoreID            *string    `json:"store_id,omitempty"`
	ProductID          *string    `json:"product_id,omitempty"`
	StockLevel         *int64     `json:"stock_level,omitempty"`
	ReplenishmentETA   *time.Time `json:"replenishment_eta,omitempty"`
	ProductName        *string    `json:"product_name,omitempty"`
	Category           *string    `json:"category,omitempty"`
	UnitPrice          *float64   `json:"unit_price,omitempty"`
	Perishable         *bool      `json:"perishable,omitempty"`
	UnitWeightGrams    *int64     `json:"unit_weight_grams,omitempty"`
	StoreName          *string    `json:"store_name,omitempty"`
	StoreZone          *string    `json:"store_zone,omitempty"`
	StoreAddress       *string    `json:"store_address,omitempty"`
	AvailabilityStatus *string    `json:"availability_status,omitempty"`
	LowStock           *bool      `json:"low_stock,omitempty"`
	EffectiveUpdatedAt *time.Time `json:"effective_updated_at,omitempty"`
}

// InventoryFromRow converts a raw inventory-view row.
func InventoryFromRow(r Row) (Inventory, error) {
	id, err := requireKey(r, InventoryKeyColumn)
	if err != nil {
		return Inventory{}, err
	}
	return Inventory{
		InventoryID:        id,
		StoreID:            r.OptString("store_id"),
		ProductID:          r.OptString("product_id"),
		StockLevel:         r.OptInt("stock_level"),
		ReplenishmentETA:   r.OptTime("replenishment_eta"),
		ProductName:        r.OptString("product_name"),
		Category:           r.OptString("category"),
		UnitPrice:          r.OptFloat("unit_price"),
		Perishable:         r.OptBool("perishable"),
		UnitWeightGrams:    r.OptInt("unit_weight_grams"),
		StoreName:          r.OptString("store_name"),
		StoreZone:          r.OptString("store_zone"),
		StoreAddress:       r.OptString("store_address"),
		AvailabilityStatus: r.OptString("availability_status"),
		LowStock:           r.OptBool("low_stock"),
		EffectiveUpdatedAt: r.OptTime("effective_updated_at"),
	}, nil
}

func inventoryRelated(r Row) []string {
	var related []string
	if s := r.String("store_id"); s != "" {
		related = append(related, "store:"+s)
	}
	if p := r.String("product_id"); p != "" {
		related = append(related, "product:"+p)
	}
	return related
}

var inventoryMapping = map[string]any{
	"properties": map[string]any{
		"inventory_id":         map[string]any{"type": "keyword"},
		"store_id":             map[string]any{"type": "keyword"},
		"product_id":           map[string]any{"type": "keyword"},
		"stock_level":          map[string]any{"type": "integer"},
		"replenishment_eta":    map[string]any{"type": "date"},
		"product_name":         map[string]any{"type": "text", "fields": map[string]any{"keyword": map[string]any{"type": "keyword"}}},
		"category":             map[string]any{"type": "keyword"},
		"unit_price":           map[string]any{"type": "float"},
		"perishable":           map[string]any{"type": "boolean"},
		"unit_weight_grams":    map[string]any{"type": "integer"},
		"store_name":           map[string]any{"type": "text", "fields": map[string]any{"keyword": map[string]any{"type": "keyword"}}},
		"store_zone":           map[string]any{"type": "keyword"},
		"store_address":        map[string]any{"type": "text"},
		"availability_status":  map[string]any{"type": "keyword"},
		"low_stock":            map[string]any{"type": "boolean"},
		"effective_updated_at": map[string]any{"type": "date"},
	},
}
