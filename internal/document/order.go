package document

import (
	"encoding/json"
	"time"
)

// OrderKeyColumn identifies rows of the orders view.
const OrderKeyColumn = "order_id"

// Order is the flattened order projection indexed for search.
type Order struct {
	OrderID             string          `json:"order_id"`
	OrderNumber         *string         `json:"order_number,omitempty"`
	OrderStatus         *string         `json:"order_status,omitempty"`
	StoreID             *string         `json:"store_id,omitempty"`
	CustomerID          *string         `json:"customer_id,omitempty"`
	DeliveryWindowStart *time.Time      `json:"delivery_window_start,omitempty"`
	DeliveryWindowEnd   *time.Time      `json:"delivery_window_end,omitempty"`
	OrderTotalAmount    *float64        `json:"order_total_amount,omitempty"`
	CustomerName        *string         `json:"customer_name,omitempty"`
	CustomerEmail       *string         `json:"customer_email,omitempty"`
	CustomerAddress     *string         `json:"customer_address,omitempty"`
	StoreName           *string         `json:"store_name,omitempty"`
	StoreZone           *string         `json:"store_zone,omitempty"`
	StoreAddress        *string         `json:"store_address,omitempty"`
	AssignedCourierID   *string         `json:"assigned_courier_id,omitempty"`
	DeliveryTaskStatus  *string         `json:"delivery_task_status,omitempty"`
	DeliveryETA         *time.Time      `json:"delivery_eta,omitempty"`
	LineItems           json.RawMessage `json:"line_items,omitempty"`
	LineItemCount       *int64          `json:"line_item_count,omitempty"`
	HasPerishableItems  *bool           `json:"has_perishable_items,omitempty"`
	EffectiveUpdatedAt  *time.Time      `json:"effective_updated_at,omitempty"`
}

// OrderFromRow converts a raw orders-view row.
func OrderFromRow(r Row) (Order, error) {
	id, err := requireKey(r, OrderKeyColumn)
	if err != nil {
		return Order{}, err
	}
	return Order{
		OrderID:             id,
		OrderNumber:         r.OptString("order_number"),
		OrderStatus:         r.OptString("order_status"),
		StoreID:             r.OptString("store_id"),
		CustomerID:          r.OptString("customer_id"),
		DeliveryWindowStart: r.OptTime("delivery_window_start"),
		DeliveryWindowEnd:   r.OptTime("delivery_window_end"),
		OrderTotalAmount:    r.OptFloat("order_total_amount"),
		CustomerName:        r.OptString("customer_name"),
		CustomerEmail:       r.OptString("customer_email"),
		CustomerAddress:     r.OptString("customer_address"),
		StoreName:           r.OptString("store_name"),
		StoreZone:           r.OptString("store_zone"),
		StoreAddress:        r.OptString("store_address"),
		AssignedCourierID:   r.OptString("assigned_courier_id"),
		DeliveryTaskStatus:  r.OptString("delivery_task_status"),
		DeliveryETA:         r.OptTime("delivery_eta"),
		LineItems:           r.JSON("line_items"),
		LineItemCount:       r.OptInt("line_item_count"),
		HasPerishableItems:  r.OptBool("has_perishable_items"),
		EffectiveUpdatedAt:  r.OptTime("effective_updated_at"),
	}, nil
}

// orderRelated links an order to its store for focus matching.
func orderRelated(r Row) []string {
	var related []string
	if s := r.String("store_id"); s != "" {
		related = append(related, "store:"+s)
	}
	if c := r.String("customer_id"); c != "" {
		related = append(related, "customer:"+c)
	}
	return related
}

var orderMapping = map[string]any{
	"properties": map[string]any{
		"order_id":              map[string]any{"type": "keyword"},
		"order_number":          map[string]any{"type": "keyword"},
		"order_status":          map[string]any{"type": "keyword"},
		"store_id":              map[string]any{"type": "keyword"},
		"customer_id":           map[string]any{"type": "keyword"},
		"delivery_window_start": map[string]any{"type": "date"},
		"delivery_window_end":   map[string]any{"type": "date"},
		"order_total_amount":    map[string]any{"type": "float"},
		"customer_name":         map[string]any{"type": "text", "fields": map[string]any{"keyword": map[string]any{"type": "keyword"}}},
		"customer_email":        map[string]any{"type": "keyword"},
		"customer_address":      map[string]any{"type": "text"},
		"store_name":            map[string]any{"type": "text", "fields": map[string]any{"keyword": map[string]any{"type": "keyword"}}},
		"store_zone":            map[string]any{"type": "keyword"},
		"store_address":         map[string]any{"type": "text"},
		"assigned_courier_id":   map[string]any{"type": "keyword"},
		"delivery_task_status":  map[string]any{"type": "keyword"},
		"delivery_eta":          map[string]any{"type": "date"},
		"line_items": map[string]any{
			"type": "nested",
			"properties": map[string]any{
				"product_id":   map[string]any{"type": "keyword"},
				"product_name": map[string]any{"type": "text"},
				"category":     map[string]any{"type": "keyword"},
				"quantity":     map[string]any{"type": "integer"},
				"unit_price":   map[string]any{"type": "float"},
				"perishable":   map[string]any{"type": "boolean"},
			},
		},
		"line_item_count":      map[string]any{"type": "integer"},
		"has_perishable_items": map[string]any{"type": "boolean"},
		"effective_updated_at": map[string]any{"type": "date"},
	},
}
