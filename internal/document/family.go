// Package document defines the per-entity-family projections that are
// written to the search index, and converts raw feed rows into them at the
// boundary where rows enter the process.
package document

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownFamily is returned for entity families this build does not know.
var ErrUnknownFamily = errors.New("unknown entity family")

// Family names.
const (
	FamilyOrders    = "orders"
	FamilyInventory = "inventory"
)

// Document is the unit handed to the index: a projection keyed by a stable
// entity id.
type Document struct {
	ID   string
	Body any
}

// Family describes one mirrored view and how its rows become documents.
type Family struct {
	Name          string
	Index         string
	KeyColumn     string
	SubjectPrefix string
	Mapping       map[string]any

	convert func(Row) (any, error)
	related func(Row) []string
}

// Document converts a raw row into an index document.
func (f Family) Document(r Row) (Document, error) {
	body, err := f.convert(r)
	if err != nil {
		return Document{}, err
	}
	return Document{ID: r.String(f.KeyColumn), Body: body}, nil
}

// Subject returns the prefixed subject id used in propagation events,
// e.g. "order:FM-1001".
func (f Family) Subject(id string) string {
	return f.SubjectPrefix + ":" + id
}

// Related returns prefixed ids of entities linked to the row
// (stores, products, customers).
func (f Family) Related(r Row) []string {
	if f.related == nil {
		return nil
	}
	return f.related(r)
}

// Lookup returns the family registered under name.
func Lookup(name string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case FamilyOrders:
		return Family{
			Name:          FamilyOrders,
			Index:         "orders",
			KeyColumn:     OrderKeyColumn,
			SubjectPrefix: "order",
			Mapping:       orderMapping,
			convert: func(r Row) (any, error) {
				o, err := OrderFromRow(r)
				return o, err
			},
			related: orderRelated,
		}, nil
	case FamilyInventory:
		return Family{
			Name:          FamilyInventory,
			Index:         "inventory",
			KeyColumn:     InventoryKeyColumn,
			SubjectPrefix: "inventory",
			Mapping:       inventoryMapping,
			convert: func(r Row) (any, error) {
				inv, err := InventoryFromRow(r)
				return inv, err
			},
			related: inventoryRelated,
		}, nil
	default:
		return Family{}, fmt.Errorf("%w: %q", ErrUnknownFamily, name)
	}
}

// Names lists the known families.
func Names() []string {
	return []string{FamilyOrders, FamilyInventory}
}
