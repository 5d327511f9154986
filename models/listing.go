package models

import (
	"fmt"
	"time"
)

// Category identifies one of the two listing populations served by the API.
type Category string

const (
	CategoryActive Category = "active"
	CategorySold   Category = "sold"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	return c == CategoryActive || c == CategorySold
}

// ListingRecord is the canonical post-normalization listing. Optional fields
// are pointers so that "unknown" stays distinguishable from zero. Immutable
// once produced by the normalizer.
type ListingRecord struct {
	SourceID int64    `json:"source_id"`
	Category Category `json:"category"`

	Price   int64    `json:"price"`
	Rooms   *float64 `json:"rooms,omitempty"`
	Size    *int     `json:"size,omitempty"`
	LotSize *int     `json:"lot_size,omitempty"`

	BuildYear    *int   `json:"build_year,omitempty"`
	EnergyClass  string `json:"energy_class,omitempty"`
	PropertyType *int   `json:"property_type,omitempty"`

	Address   string   `json:"address"`
	City      string   `json:"city"`
	ZipCode   int      `json:"zip_code"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`

	// Active-only fields.
	DaysForSale *int       `json:"days_for_sale,omitempty"`
	CreatedDate *time.Time `json:"created_date,omitempty"`

	// Sold-only fields.
	SoldDate       *time.Time `json:"sold_date,omitempty"`
	SaleType       string     `json:"sale_type,omitempty"`
	SqmPrice       *float64   `json:"sqm_price,omitempty"`
	PriceChangePct *float64   `json:"price_change_pct,omitempty"`

	// Provenance.
	ObservedAt time.Time `json:"observed_at"`
}

// EntityKey derives the upsert join key. Source IDs are not assumed unique
// across categories, so the category is part of the key.
func (r *ListingRecord) EntityKey() string {
	return fmt.Sprintf("%s:%d", r.Category, r.SourceID)
}
