package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/hazyhaar/pricewatch/discovery/internal/parse"
)

var folder = cases.Fold()

// Fold normalizes a catalog string for identity: NFKD, combining marks
// removed, case folded, whitespace collapsed.
func Fold(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.Join(strings.Fields(folder.String(out)), " ")
}

// ExternalID derives the stable product key from a record. A source id wins;
// otherwise the key hashes the folded brand, name, size and strain.
func ExternalID(rec parse.Record) string {
	if id := strings.TrimSpace(rec.SourceID); id != "" {
		return "id:" + id
	}
	key := Fold(rec.Brand) + "|" + Fold(rec.Name) + "|" + Fold(rec.Size) + "|" + Fold(rec.Strain)
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:24]
}

// MatchKey joins folded brand and name; reference prices use it to find the
// tenant's own product.
func MatchKey(brand, name string) string {
	return Fold(brand) + "|" + Fold(name)
}
