package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Property is the local system of record for one MLS listing, keyed by MLSID.
type Property struct {
	ID           int64           `json:"id" db:"id"`
	MLSID        string          `json:"mls_id" db:"mls_id"`
	StreetNumber string          `json:"street_number" db:"street_number"`
	StreetName   string          `json:"street_name" db:"street_name"`
	StreetSuffix string          `json:"street_suffix" db:"street_suffix"`
	UnitNumber   string          `json:"unit_number" db:"unit_number"`
	City         string          `json:"city" db:"city"`
	Province     string          `json:"province" db:"province"`
	PostalCode   string          `json:"postal_code" db:"postal_code"`
	Latitude     *float64        `json:"latitude" db:"latitude"`
	Longitude    *float64        `json:"longitude" db:"longitude"`
	Status       ListingStatus   `json:"status" db:"status"`
	IsActive     bool            `json:"is_active" db:"is_active"`
	Transaction  string          `json:"transaction_type" db:"transaction_type"`
	Price        decimal.Decimal `json:"price" db:"price"`
	Bedrooms     *int            `json:"bedrooms" db:"bedrooms"`
	Bathrooms    *int            `json:"bathrooms" db:"bathrooms"`
	PropertyType string          `json:"property_type" db:"property_type"`
	Remarks      string          `json:"remarks" db:"remarks"`
	RawData      json.RawMessage `json:"raw_data" db:"raw_data"`
	ImageURLs    []string        `json:"image_urls" db:"image_urls"`

	SourceModifiedAt   *time.Time `json:"source_modified_at" db:"source_modified_at"`
	ContentHash        string     `json:"content_hash" db:"content_hash"`
	LastSyncedAt       time.Time  `json:"last_synced_at" db:"last_synced_at"`
	GeocodeAttemptedAt *time.Time `json:"geocode_attempted_at" db:"geocode_attempted_at"`
	GeocodeSource      string     `json:"geocode_source" db:"geocode_source"`
	SyncFailed         bool       `json:"sync_failed" db:"sync_failed"`
	SyncError          string     `json:"sync_error" db:"sync_error"`
	DeactivatedAt      *time.Time `json:"deactivated_at" db:"deactivated_at"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
}

// HasCoordinates reports whether both latitude and longitude are resolved.
func (p *Property) HasCoordinates() bool {
	return p.Latitude != nil && p.Longitude != nil
}

// StreetLine joins the street components, e.g. "12 King St W".
func (p *Property) StreetLine() string {
	return joinNonEmpty(" ", p.StreetNumber, p.StreetName, p.StreetSuffix)
}

// GeocodeAddress builds the free-text address sent to geocoding providers.
// When the structured street is missing it falls back to the feed's
// UnparsedAddress kept in RawData.
func (p *Property) GeocodeAddress() string {
	street := p.StreetLine()
	if street == "" {
		if raw, err := ParseRawPayload(p.RawData); err == nil {
			street = raw.String("UnparsedAddress")
		}
	}
	if street == "" {
		return ""
	}
	return joinNonEmpty(", ", street, p.City, p.Province, p.PostalCode, "Canada")
}

// Geocode sources
const (
	GeocodeSourceGoogle    = "google"
	GeocodeSourceNominatim = "nominatim"
)

func joinNonEmpty(sep string, parts ...string) string {
	var kept []string
	for _, part := range parts {
		if s := strings.TrimSpace(part); s != "" {
			kept = append(kept, s)
		}
	}
	return strings.Join(kept, sep)
}
