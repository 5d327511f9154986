// Package normalize maps raw upstream payloads onto the canonical
// ListingRecord, rejecting malformed records without disturbing their
// siblings in the same page.
package normalize

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kasperjunge/boligmarkedet/models"
)

// Issue describes why one record was excluded from a batch. It is counted
// and logged, never fatal to the page.
type Issue struct {
	SourceID int64
	Field    string
	Message  string
}

func (i *Issue) Error() string {
	return fmt.Sprintf("record %d: field %q: %s", i.SourceID, i.Field, i.Message)
}

// rawProperty covers the union of both search endpoints' record shapes.
// Pointers keep absent and zero distinguishable during validation.
type rawProperty struct {
	ID       *int64 `json:"id"`
	EstateID *int64 `json:"estateId"`

	Price   *float64 `json:"price"`
	Rooms   *float64 `json:"rooms"`
	Size    *float64 `json:"size"`
	LotSize *float64 `json:"lotSize"`

	BuildYear    *int   `json:"buildYear"`
	EnergyClass  string `json:"energyClass"`
	PropertyType *int   `json:"propertyType"`

	Street  string `json:"street"`
	Address string `json:"address"`
	City    string `json:"city"`
	ZipCode *int   `json:"zipCode"`

	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`

	DaysForSale *float64 `json:"daysForSale"`
	CreatedDate string   `json:"createdDate"`

	SoldDate string   `json:"soldDate"`
	SaleType string   `json:"saleType"`
	SqmPrice *float64 `json:"sqmPrice"`
	Change   *float64 `json:"change"`
}

// Record normalizes one raw search result. Exactly one of the return values
// is non-nil: a malformed record yields an Issue, never an error.
func Record(raw json.RawMessage, category models.Category, observedAt time.Time) (*models.ListingRecord, *Issue) {
	var rp rawProperty
	if err := json.Unmarshal(raw, &rp); err != nil {
		return nil, &Issue{Field: "_body", Message: fmt.Sprintf("unparseable record: %v", err)}
	}

	sourceID, issue := rp.sourceID(category)
	if issue != nil {
		return nil, issue
	}

	rec := &models.ListingRecord{
		SourceID:    sourceID,
		Category:    category,
		EnergyClass: strings.ToUpper(strings.TrimSpace(rp.EnergyClass)),
		City:        strings.TrimSpace(rp.City),
		SaleType:    strings.TrimSpace(rp.SaleType),
		ObservedAt:  observedAt,
	}

	rec.Address = strings.TrimSpace(rp.Street)
	if rec.Address == "" {
		rec.Address = strings.TrimSpace(rp.Address)
	}

	if issue := validateRequired(sourceID, category, &rp, rec); issue != nil {
		return nil, issue
	}

	// Optional numerics: absent stays nil, present-but-out-of-range rejects.
	if rp.Rooms != nil {
		if *rp.Rooms < 0 {
			return nil, &Issue{SourceID: sourceID, Field: "rooms", Message: "must be non-negative"}
		}
		rec.Rooms = rp.Rooms
	}
	if rp.Size != nil {
		if *rp.Size <= 0 {
			return nil, &Issue{SourceID: sourceID, Field: "size", Message: "must be positive"}
		}
		size := int(*rp.Size)
		rec.Size = &size
	}
	if rp.LotSize != nil {
		if *rp.LotSize < 0 {
			return nil, &Issue{SourceID: sourceID, Field: "lotSize", Message: "must be non-negative"}
		}
		// Zero means no lot (apartments), treated as absent.
		if *rp.LotSize > 0 {
			lot := int(*rp.LotSize)
			rec.LotSize = &lot
		}
	}
	if rp.BuildYear != nil {
		if *rp.BuildYear < 1800 || *rp.BuildYear > time.Now().Year() {
			return nil, &Issue{SourceID: sourceID, Field: "buildYear", Message: fmt.Sprintf("out of range: %d", *rp.BuildYear)}
		}
		rec.BuildYear = rp.BuildYear
	}
	if rp.Latitude != nil {
		if *rp.Latitude < -90 || *rp.Latitude > 90 {
			return nil, &Issue{SourceID: sourceID, Field: "latitude", Message: "out of range"}
		}
		rec.Latitude = rp.Latitude
	}
	if rp.Longitude != nil {
		if *rp.Longitude < -180 || *rp.Longitude > 180 {
			return nil, &Issue{SourceID: sourceID, Field: "longitude", Message: "out of range"}
		}
		rec.Longitude = rp.Longitude
	}
	rec.PropertyType = rp.PropertyType

	switch category {
	case models.CategoryActive:
		if rp.DaysForSale != nil {
			if *rp.DaysForSale < 0 {
				return nil, &Issue{SourceID: sourceID, Field: "daysForSale", Message: "must be non-negative"}
			}
			days := int(*rp.DaysForSale)
			rec.DaysForSale = &days
		}
		if rp.CreatedDate != "" {
			created, err := parseDate(rp.CreatedDate)
			if err != nil {
				return nil, &Issue{SourceID: sourceID, Field: "createdDate", Message: err.Error()}
			}
			rec.CreatedDate = &created
		}
	case models.CategorySold:
		sold, err := parseDate(rp.SoldDate)
		if err != nil {
			return nil, &Issue{SourceID: sourceID, Field: "soldDate", Message: err.Error()}
		}
		rec.SoldDate = &sold
		if rp.SqmPrice != nil {
			if *rp.SqmPrice < 0 {
				return nil, &Issue{SourceID: sourceID, Field: "sqmPrice", Message: "must be non-negative"}
			}
			rec.SqmPrice = rp.SqmPrice
		}
		rec.PriceChangePct = rp.Change
	}

	return rec, nil
}

func (rp *rawProperty) sourceID(category models.Category) (int64, *Issue) {
	// Sold results identify by estateId, active results by id.
	if category == models.CategorySold {
		if rp.EstateID == nil || *rp.EstateID <= 0 {
			return 0, &Issue{Field: "estateId", Message: "missing or invalid"}
		}
		return *rp.EstateID, nil
	}
	if rp.ID == nil || *rp.ID <= 0 {
		return 0, &Issue{Field: "id", Message: "missing or invalid"}
	}
	return *rp.ID, nil
}

func validateRequired(sourceID int64, category models.Category, rp *rawProperty, rec *models.ListingRecord) *Issue {
	if rp.Price == nil {
		return &Issue{SourceID: sourceID, Field: "price", Message: "required field missing"}
	}
	if *rp.Price <= 0 {
		return &Issue{SourceID: sourceID, Field: "price", Message: "must be positive"}
	}
	rec.Price = int64(*rp.Price)

	if rec.City == "" {
		return &Issue{SourceID: sourceID, Field: "city", Message: "required field missing"}
	}
	if rec.Address == "" {
		return &Issue{SourceID: sourceID, Field: "street", Message: "required field missing"}
	}
	if rp.ZipCode == nil || *rp.ZipCode < 1000 || *rp.ZipCode > 9999 {
		return &Issue{SourceID: sourceID, Field: "zipCode", Message: "must be a 4-digit code between 1000 and 9999"}
	}
	rec.ZipCode = *rp.ZipCode

	if category == models.CategorySold && rp.SoldDate == "" {
		return &Issue{SourceID: sourceID, Field: "soldDate", Message: "required field missing"}
	}
	return nil
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}
