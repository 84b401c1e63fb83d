package mls

import (
	"errors"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	json "github.com/goccy/go-json"

	"mls_sync/models"
)

var (
	errMissingKey   = errors.New("listing has no ListingKey")
	multiSpaceRegex = regexp.MustCompile(`\s+`)
)

// mapRecord turns one OData Property entity into a ListingRecord. The raw
// payload is kept untouched on the record.
func mapRecord(raw models.RawPayload, statusMap map[string]string) (models.ListingRecord, error) {
	rec := models.ListingRecord{
		MLSID:           raw.String("ListingKey"),
		StreetNumber:    raw.String("StreetNumber"),
		StreetName:      raw.String("StreetName"),
		StreetSuffix:    raw.String("StreetSuffix"),
		UnitNumber:      raw.String("UnitNumber"),
		City:            raw.String("City"),
		Province:        raw.String("StateOrProvince"),
		PostalCode:      raw.String("PostalCode"),
		UnparsedAddress: raw.String("UnparsedAddress"),
		TransactionType: raw.String("TransactionType"),
		PropertyType:    firstNonEmpty(raw.String("PropertyType"), raw.String("PropertySubType")),
		Remarks:         stripHTML(raw.String("PublicRemarks")),
		Raw:             raw,
	}
	if rec.MLSID == "" {
		return rec, errMissingKey
	}

	if price, ok := raw.Decimal("ListPrice"); ok {
		rec.Price = price
	}
	if beds, ok := raw.Int("BedroomsTotal"); ok {
		rec.Bedrooms = &beds
	}
	if baths, ok := raw.Int("BathroomsTotalInteger"); ok {
		rec.Bathrooms = &baths
	}
	if ts, ok := raw.Time("ModificationTimestamp"); ok {
		rec.ModifiedAt = ts
	}

	rec.Status = MapStatus(raw.String("StandardStatus"), raw.String("MlsStatus"), rec.TransactionType, statusMap)

	if media, ok := raw.Get("Media"); ok && string(media) != "null" {
		var items []models.MediaItem
		if err := json.Unmarshal(media, &items); err == nil {
			if items == nil {
				items = []models.MediaItem{}
			}
			rec.Media = items
		}
	}

	return rec, nil
}

// MapStatus derives the local status from the feed's RESO StandardStatus and
// board-specific MlsStatus. Entries in overrides (keyed by either raw value,
// case-insensitive) win over the built-in table.
func MapStatus(standard, mlsStatus, transaction string, overrides map[string]string) models.ListingStatus {
	for _, key := range []string{mlsStatus, standard} {
		for k, v := range overrides {
			if key != "" && strings.EqualFold(k, key) {
				return models.ListingStatus(strings.ToLower(v))
			}
		}
	}

	switch strings.ToLower(strings.TrimSpace(mlsStatus)) {
	case "sold", "sld":
		return models.StatusSold
	case "leased", "lsd":
		return models.StatusLeased
	case "terminated", "ter", "cancelled", "canceled", "withdrawn", "wd":
		return models.StatusTerminated
	case "suspended", "sus":
		return models.StatusSuspended
	case "expired", "exp":
		return models.StatusExpired
	case "sold conditional", "leased conditional", "sc", "lc", "pending":
		return models.StatusPending
	case "new", "price change", "extension", "ext", "active":
		return models.StatusActive
	}

	switch strings.ToLower(strings.TrimSpace(standard)) {
	case "active", "coming soon":
		return models.StatusActive
	case "active under contract", "pending":
		return models.StatusPending
	case "closed":
		if strings.Contains(strings.ToLower(transaction), "lease") {
			return models.StatusLeased
		}
		return models.StatusSold
	case "expired":
		return models.StatusExpired
	case "canceled", "cancelled", "withdrawn", "delete":
		return models.StatusTerminated
	case "hold":
		return models.StatusSuspended
	}
	return models.StatusUnknown
}

// stripHTML reduces remarks that contain markup to their text content.
func stripHTML(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return s
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return s
	}
	return strings.TrimSpace(multiSpaceRegex.ReplaceAllString(doc.Text(), " "))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
