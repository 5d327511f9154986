package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/kasperjunge/boligmarkedet/models"
)

var multiSpaceRegex = regexp.MustCompile(`\s+`)

// PayloadHash fingerprints the fields that participate in change detection.
// Two records with equal hashes are treated as the same version; provenance
// (observed_at) and derived or per-cycle fields (sqmPrice, price change
// percent, daysForSale) are deliberately left out so a listing is not
// re-versioned every refresh cycle.
func PayloadHash(r *models.ListingRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d|%s", r.Price, NormalizeAddress(r.Address))
	fmt.Fprintf(&b, "|%s|%d", strings.ToLower(r.City), r.ZipCode)
	fmt.Fprintf(&b, "|%s|%s", hashFloat(r.Rooms), hashInt(r.Size))
	fmt.Fprintf(&b, "|%s|%s", hashInt(r.LotSize), hashInt(r.BuildYear))
	fmt.Fprintf(&b, "|%s|%s", strings.ToUpper(r.EnergyClass), hashInt(r.PropertyType))
	fmt.Fprintf(&b, "|%s|%s", hashFloat(r.Latitude), hashFloat(r.Longitude))
	fmt.Fprintf(&b, "|%s", strings.ToLower(r.SaleType))
	if r.SoldDate != nil {
		fmt.Fprintf(&b, "|%s", r.SoldDate.UTC().Format("2006-01-02"))
	} else {
		b.WriteString("|-")
	}

	hash := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(hash[:16])
}

// FieldsEqual reports whether two records are the same under the versioning
// equality policy.
func FieldsEqual(a, b *models.ListingRecord) bool {
	return PayloadHash(a) == PayloadHash(b)
}

// NormalizeAddress canonicalizes a street address for hashing so that
// cosmetic differences (case, punctuation, spacing) do not open new versions.
func NormalizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	var cleaned strings.Builder
	for _, c := range addr {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			cleaned.WriteRune(c)
		case c == 'æ', c == 'ø', c == 'å':
			cleaned.WriteRune(c)
		default:
			cleaned.WriteRune(' ')
		}
	}
	return strings.TrimSpace(multiSpaceRegex.ReplaceAllString(cleaned.String(), " "))
}

func hashInt(v *int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *v)
}

func hashFloat(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%g", *v)
}
