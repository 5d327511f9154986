package identity

import (
	"testing"
	"time"

	"github.com/kasperjunge/boligmarkedet/models"
)

func baseRecord() *models.ListingRecord {
	rooms := 3.0
	size := 92
	days := 14
	sqm := 23369.57
	return &models.ListingRecord{
		SourceID:    42,
		Category:    models.CategoryActive,
		Price:       2150000,
		Rooms:       &rooms,
		Size:        &size,
		Address:     "Nørrebrogade 12, 3. tv",
		City:        "København N",
		ZipCode:     2200,
		EnergyClass: "C",
		DaysForSale: &days,
		SqmPrice:    &sqm,
		ObservedAt:  time.Date(2026, 8, 20, 6, 0, 0, 0, time.UTC),
	}
}

func TestPayloadHash_Deterministic(t *testing.T) {
	a, b := baseRecord(), baseRecord()
	if PayloadHash(a) != PayloadHash(b) {
		t.Fatalf("identical records must hash identically")
	}
	if !FieldsEqual(a, b) {
		t.Fatalf("identical records must be field-equal")
	}
}

func TestPayloadHash_ExcludedFieldsDoNotParticipate(t *testing.T) {
	a, b := baseRecord(), baseRecord()

	b.ObservedAt = a.ObservedAt.Add(24 * time.Hour)
	days := *a.DaysForSale + 1
	b.DaysForSale = &days
	sqm := *a.SqmPrice + 100
	b.SqmPrice = &sqm
	pct := -2.5
	b.PriceChangePct = &pct

	if PayloadHash(a) != PayloadHash(b) {
		t.Fatalf("provenance and derived fields must not open new versions")
	}
}

func TestPayloadHash_ParticipatingFieldChanges(t *testing.T) {
	mutations := []struct {
		name   string
		mutate func(r *models.ListingRecord)
	}{
		{"price", func(r *models.ListingRecord) { r.Price = 2100000 }},
		{"rooms", func(r *models.ListingRecord) { rooms := 4.0; r.Rooms = &rooms }},
		{"rooms cleared", func(r *models.ListingRecord) { r.Rooms = nil }},
		{"size", func(r *models.ListingRecord) { size := 95; r.Size = &size }},
		{"address", func(r *models.ListingRecord) { r.Address = "Nørrebrogade 14" }},
		{"zip", func(r *models.ListingRecord) { r.ZipCode = 2100 }},
		{"energy class", func(r *models.ListingRecord) { r.EnergyClass = "D" }},
		{"sold date", func(r *models.ListingRecord) {
			sold := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
			r.SoldDate = &sold
		}},
	}
	base := baseRecord()
	for _, m := range mutations {
		r := baseRecord()
		m.mutate(r)
		if PayloadHash(base) == PayloadHash(r) {
			t.Fatalf("%s change must produce a different hash", m.name)
		}
	}
}

func TestPayloadHash_CosmeticAddressVariantsEqual(t *testing.T) {
	a, b := baseRecord(), baseRecord()
	b.Address = "NØRREBROGADE 12,  3. TV"
	if PayloadHash(a) != PayloadHash(b) {
		t.Fatalf("cosmetic address differences must not change the hash")
	}
}

func TestNormalizeAddress(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Nørrebrogade 12, 3. tv", "nørrebrogade 12 3 tv"},
		{"  Åboulevard   5  ", "åboulevard 5"},
		{"St. Kongensgade 40B", "st kongensgade 40b"},
	}
	for _, tc := range cases {
		if got := NormalizeAddress(tc.in); got != tc.want {
			t.Fatalf("NormalizeAddress(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
