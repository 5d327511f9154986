package normalize

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kasperjunge/boligmarkedet/models"
)

func loadFixture(t *testing.T, name string) json.RawMessage {
	t.Helper()
	path := filepath.Join("testdata", name)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read fixture %s: %v", name, err)
	}
	return data
}

func TestRecord_ActiveBasic(t *testing.T) {
	observed := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	rec, issue := Record(loadFixture(t, "active_basic.json"), models.CategoryActive, observed)
	if issue != nil {
		t.Fatalf("unexpected issue: %v", issue)
	}
	if rec.SourceID != 2101445 {
		t.Fatalf("expected source id 2101445, got %d", rec.SourceID)
	}
	if rec.Category != models.CategoryActive {
		t.Fatalf("expected category active, got %s", rec.Category)
	}
	if rec.Price != 4295000 {
		t.Fatalf("expected price 4295000, got %d", rec.Price)
	}
	if rec.Rooms == nil || *rec.Rooms != 4.0 {
		t.Fatalf("expected 4 rooms, got %v", rec.Rooms)
	}
	if rec.Size == nil || *rec.Size != 118 {
		t.Fatalf("expected size 118, got %v", rec.Size)
	}
	if rec.LotSize != nil {
		t.Fatalf("expected zero lot size to be dropped, got %v", *rec.LotSize)
	}
	if rec.EnergyClass != "C" {
		t.Fatalf("expected energy class C, got %q", rec.EnergyClass)
	}
	if rec.Address != "Amagerbrogade 214, 2. th" {
		t.Fatalf("unexpected address %q", rec.Address)
	}
	if rec.ZipCode != 2300 {
		t.Fatalf("expected zip 2300, got %d", rec.ZipCode)
	}
	if rec.DaysForSale == nil || *rec.DaysForSale != 37 {
		t.Fatalf("expected 37 days for sale, got %v", rec.DaysForSale)
	}
	if rec.CreatedDate == nil || !rec.CreatedDate.Equal(time.Date(2026, 7, 22, 9, 14, 0, 0, time.UTC)) {
		t.Fatalf("unexpected created date %v", rec.CreatedDate)
	}
	if !rec.ObservedAt.Equal(observed) {
		t.Fatalf("expected observed at %v, got %v", observed, rec.ObservedAt)
	}
	if rec.SoldDate != nil || rec.SqmPrice != nil {
		t.Fatalf("sold-only fields must stay nil on active records")
	}
}

func TestRecord_SoldBasic(t *testing.T) {
	rec, issue := Record(loadFixture(t, "sold_basic.json"), models.CategorySold, time.Now())
	if issue != nil {
		t.Fatalf("unexpected issue: %v", issue)
	}
	if rec.SourceID != 1883920 {
		t.Fatalf("expected source id 1883920 from estateId, got %d", rec.SourceID)
	}
	if rec.Address != "Solvænget 9" {
		t.Fatalf("unexpected address %q", rec.Address)
	}
	if rec.SoldDate == nil || !rec.SoldDate.Equal(time.Date(2026, 8, 14, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected sold date %v", rec.SoldDate)
	}
	if rec.SaleType != "Alm. Salg" {
		t.Fatalf("unexpected sale type %q", rec.SaleType)
	}
	if rec.SqmPrice == nil || *rec.SqmPrice != 25595.24 {
		t.Fatalf("unexpected sqm price %v", rec.SqmPrice)
	}
	if rec.PriceChangePct == nil || *rec.PriceChangePct != -4.4 {
		t.Fatalf("unexpected price change %v", rec.PriceChangePct)
	}
	if rec.EntityKey() != "sold:1883920" {
		t.Fatalf("unexpected entity key %q", rec.EntityKey())
	}
}

func TestRecord_SparseOptionalFields(t *testing.T) {
	rec, issue := Record(loadFixture(t, "active_sparse.json"), models.CategoryActive, time.Now())
	if issue != nil {
		t.Fatalf("unexpected issue: %v", issue)
	}
	if rec.Rooms != nil || rec.Size != nil || rec.BuildYear != nil || rec.Latitude != nil {
		t.Fatalf("absent optional fields must stay nil")
	}
	if rec.DaysForSale != nil || rec.CreatedDate != nil {
		t.Fatalf("absent active fields must stay nil")
	}
}

func TestRecord_RejectsMalformed(t *testing.T) {
	cases := []struct {
		name     string
		category models.Category
		raw      string
		field    string
	}{
		{"missing id", models.CategoryActive, `{"price": 100000, "street": "A", "city": "B", "zipCode": 2000}`, "id"},
		{"missing estate id", models.CategorySold, `{"price": 100000, "street": "A", "city": "B", "zipCode": 2000, "soldDate": "2026-01-01"}`, "estateId"},
		{"zero price", models.CategoryActive, `{"id": 1, "price": 0, "street": "A", "city": "B", "zipCode": 2000}`, "price"},
		{"negative price", models.CategoryActive, `{"id": 1, "price": -5, "street": "A", "city": "B", "zipCode": 2000}`, "price"},
		{"missing price", models.CategoryActive, `{"id": 1, "street": "A", "city": "B", "zipCode": 2000}`, "price"},
		{"missing city", models.CategoryActive, `{"id": 1, "price": 100000, "street": "A", "zipCode": 2000}`, "city"},
		{"missing street", models.CategoryActive, `{"id": 1, "price": 100000, "city": "B", "zipCode": 2000}`, "street"},
		{"zip too low", models.CategoryActive, `{"id": 1, "price": 100000, "street": "A", "city": "B", "zipCode": 999}`, "zipCode"},
		{"zip too high", models.CategoryActive, `{"id": 1, "price": 100000, "street": "A", "city": "B", "zipCode": 10000}`, "zipCode"},
		{"negative rooms", models.CategoryActive, `{"id": 1, "price": 100000, "street": "A", "city": "B", "zipCode": 2000, "rooms": -1}`, "rooms"},
		{"zero size", models.CategoryActive, `{"id": 1, "price": 100000, "street": "A", "city": "B", "zipCode": 2000, "size": 0}`, "size"},
		{"negative lot size", models.CategoryActive, `{"id": 1, "price": 100000, "street": "A", "city": "B", "zipCode": 2000, "lotSize": -40}`, "lotSize"},
		{"build year before 1800", models.CategoryActive, `{"id": 1, "price": 100000, "street": "A", "city": "B", "zipCode": 2000, "buildYear": 1750}`, "buildYear"},
		{"build year in future", models.CategoryActive, `{"id": 1, "price": 100000, "street": "A", "city": "B", "zipCode": 2000, "buildYear": 2999}`, "buildYear"},
		{"latitude out of range", models.CategoryActive, `{"id": 1, "price": 100000, "street": "A", "city": "B", "zipCode": 2000, "latitude": 91.0}`, "latitude"},
		{"longitude out of range", models.CategoryActive, `{"id": 1, "price": 100000, "street": "A", "city": "B", "zipCode": 2000, "longitude": -181.0}`, "longitude"},
		{"sold missing sold date", models.CategorySold, `{"estateId": 1, "price": 100000, "street": "A", "city": "B", "zipCode": 2000}`, "soldDate"},
		{"sold bad sold date", models.CategorySold, `{"estateId": 1, "price": 100000, "street": "A", "city": "B", "zipCode": 2000, "soldDate": "14/08/2026"}`, "soldDate"},
		{"not json", models.CategoryActive, `{"id": `, "_body"},
	}
	for _, tc := range cases {
		rec, issue := Record(json.RawMessage(tc.raw), tc.category, time.Now())
		if rec != nil {
			t.Fatalf("%s: expected rejection, got record %d", tc.name, rec.SourceID)
		}
		if issue == nil {
			t.Fatalf("%s: expected issue", tc.name)
		}
		if issue.Field != tc.field {
			t.Fatalf("%s: expected issue on %q, got %q (%s)", tc.name, tc.field, issue.Field, issue.Message)
		}
	}
}

func TestRecord_ZeroLotSizeMeansNoLot(t *testing.T) {
	raw := `{"id": 1, "price": 100000, "street": "A", "city": "B", "zipCode": 2000, "lotSize": 0}`
	rec, issue := Record(json.RawMessage(raw), models.CategoryActive, time.Now())
	if issue != nil {
		t.Fatalf("zero lot size must be accepted: %v", issue)
	}
	if rec.LotSize != nil {
		t.Fatalf("zero lot size must stay nil, got %v", *rec.LotSize)
	}
}

func TestRecord_BuildYearCurrentYearAccepted(t *testing.T) {
	raw := fmt.Sprintf(`{"id": 1, "price": 100000, "street": "A", "city": "B", "zipCode": 2000, "buildYear": %d}`, time.Now().Year())
	rec, issue := Record(json.RawMessage(raw), models.CategoryActive, time.Now())
	if issue != nil {
		t.Fatalf("current build year must be accepted: %v", issue)
	}
	if rec.BuildYear == nil || *rec.BuildYear != time.Now().Year() {
		t.Fatalf("unexpected build year %v", rec.BuildYear)
	}
}

func TestRecord_DateFormats(t *testing.T) {
	for _, date := range []string{"2026-08-14", "2026-08-14T00:00:00", "2026-08-14T00:00:00Z"} {
		raw := fmt.Sprintf(`{"estateId": 1, "price": 100000, "street": "A", "city": "B", "zipCode": 2000, "soldDate": %q}`, date)
		rec, issue := Record(json.RawMessage(raw), models.CategorySold, time.Now())
		if issue != nil {
			t.Fatalf("date %q: unexpected issue %v", date, issue)
		}
		if rec.SoldDate == nil || rec.SoldDate.Year() != 2026 || rec.SoldDate.Month() != 8 || rec.SoldDate.Day() != 14 {
			t.Fatalf("date %q: unexpected parse %v", date, rec.SoldDate)
		}
	}
}
