package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"mls_sync/models"
)

var (
	streetReplacements = map[string]string{
		"street":    "st",
		"avenue":    "ave",
		"drive":     "dr",
		"road":      "rd",
		"boulevard": "blvd",
		"lane":      "ln",
		"court":     "ct",
		"place":     "pl",
		"circle":    "cir",
		"crescent":  "cres",
		"terrace":   "ter",
		"highway":   "hwy",
		"parkway":   "pkwy",
		"square":    "sq",
		"gardens":   "gdns",
		"trail":     "trl",
		"north":     "n",
		"south":     "s",
		"east":      "e",
		"west":      "w",
		"northeast": "ne",
		"northwest": "nw",
		"southeast": "se",
		"southwest": "sw",
		"apartment": "apt",
		"suite":     "ste",
		"floor":     "fl",
		"building":  "bldg",
		"ontario":   "on",
	}
	multiSpaceRegex = regexp.MustCompile(`\s+`)
	nonAlnumRegex   = regexp.MustCompile(`[^a-z0-9\s]`)
)

// NormalizeAddress lowercases, strips punctuation and abbreviates street
// words so that "12 King Street West" and "12 king st. w" compare equal.
func NormalizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	addr = nonAlnumRegex.ReplaceAllString(addr, " ")
	words := strings.Fields(addr)
	for i, w := range words {
		if abbrev, ok := streetReplacements[w]; ok {
			words[i] = abbrev
		}
	}
	return multiSpaceRegex.ReplaceAllString(strings.Join(words, " "), " ")
}

// AddressKey is the normalized address identity of a stored property.
// Two properties with the same key geocode to the same point.
func AddressKey(p *models.Property) string {
	return NormalizeAddress(strings.Join([]string{
		p.UnitNumber, p.StreetNumber, p.StreetName, p.StreetSuffix, p.City, p.Province, p.PostalCode,
	}, " "))
}

// RecordAddressKey is AddressKey for an incoming feed record.
func RecordAddressKey(rec *models.ListingRecord) string {
	return NormalizeAddress(strings.Join([]string{
		rec.UnitNumber, rec.StreetNumber, rec.StreetName, rec.StreetSuffix, rec.City, rec.Province, rec.PostalCode,
	}, " "))
}

// ContentHash fingerprints the mapped fields of a record. It stands in for
// change detection when the feed omits ModificationTimestamp.
func ContentHash(rec *models.ListingRecord) string {
	beds, baths := -1, -1
	if rec.Bedrooms != nil {
		beds = *rec.Bedrooms
	}
	if rec.Bathrooms != nil {
		baths = *rec.Bathrooms
	}
	input := fmt.Sprintf("%s|%s|%s|%s|%d|%d|%s|%s|%s",
		RecordAddressKey(rec),
		rec.Price.String(),
		rec.Status,
		strings.ToLower(rec.TransactionType),
		beds,
		baths,
		strings.ToLower(rec.PropertyType),
		rec.Remarks,
		strings.Join(PhotoURLs(rec.Media, ""), ","),
	)
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:16])
}
