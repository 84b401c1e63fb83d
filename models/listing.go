package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type ListingStatus string

const (
	StatusActive     ListingStatus = "active"
	StatusSold       ListingStatus = "sold"
	StatusLeased     ListingStatus = "leased"
	StatusPending    ListingStatus = "pending"
	StatusExpired    ListingStatus = "expired"
	StatusTerminated ListingStatus = "terminated"
	StatusSuspended  ListingStatus = "suspended"
	StatusUnknown    ListingStatus = "unknown"
)

// ListingRecord is one listing as returned by the MLS feed. It is the input
// to reconciliation and is never stored as-is.
type ListingRecord struct {
	MLSID           string
	StreetNumber    string
	StreetName      string
	StreetSuffix    string
	UnitNumber      string
	City            string
	Province        string
	PostalCode      string
	UnparsedAddress string
	Price           decimal.Decimal
	Status          ListingStatus
	TransactionType string
	Bedrooms        *int
	Bathrooms       *int
	PropertyType    string
	Remarks         string
	ModifiedAt      time.Time // zero when the feed did not send one
	Media           []MediaItem
	Raw             RawPayload
}

// MediaItem is one entry of a listing's remote media manifest.
type MediaItem struct {
	MediaKey  string `json:"MediaKey"`
	URL       string `json:"MediaURL"`
	Order     int    `json:"Order"`
	Category  string `json:"MediaCategory"`
	SizeLabel string `json:"ImageSizeDescription"`
}

// RawPayload keeps a provider payload verbatim (key order included) while
// offering typed lookups for fields that are not modelled individually.
type RawPayload struct {
	raw    json.RawMessage
	keys   []string
	fields map[string]json.RawMessage
}

// ParseRawPayload indexes a JSON object without re-encoding it.
func ParseRawPayload(data []byte) (RawPayload, error) {
	p := RawPayload{fields: make(map[string]json.RawMessage)}
	if len(bytes.TrimSpace(data)) == 0 || string(bytes.TrimSpace(data)) == "null" {
		return p, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return p, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return p, fmt.Errorf("raw payload: expected object, got %v", tok)
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return p, err
		}
		key, _ := keyTok.(string)
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return p, fmt.Errorf("raw payload %s: %w", key, err)
		}
		if _, seen := p.fields[key]; !seen {
			p.keys = append(p.keys, key)
		}
		p.fields[key] = value
	}

	p.raw = append(json.RawMessage(nil), data...)
	return p, nil
}

// Bytes returns the payload exactly as received.
func (p RawPayload) Bytes() json.RawMessage {
	return p.raw
}

// Keys returns field names in the order the provider sent them.
func (p RawPayload) Keys() []string {
	return p.keys
}

func (p RawPayload) Has(key string) bool {
	_, ok := p.fields[key]
	return ok
}

// Get returns the undecoded value for key.
func (p RawPayload) Get(key string) (json.RawMessage, bool) {
	v, ok := p.fields[key]
	return v, ok
}

// String returns a string field, or "" when absent, null or not a string.
func (p RawPayload) String(key string) string {
	v, ok := p.fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// Int returns an integer field, accepting JSON numbers with a zero fraction.
func (p RawPayload) Int(key string) (int, bool) {
	v, ok := p.fields[key]
	if !ok {
		return 0, false
	}
	var f *float64
	if err := json.Unmarshal(v, &f); err != nil || f == nil {
		return 0, false
	}
	return int(*f), true
}

// Decimal returns a numeric field without float rounding.
func (p RawPayload) Decimal(key string) (decimal.Decimal, bool) {
	v, ok := p.fields[key]
	if !ok || string(v) == "null" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(strings.Trim(string(v), `"`))
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// Time parses an RFC3339 timestamp field.
func (p RawPayload) Time(key string) (time.Time, bool) {
	s := p.String(key)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

func (p RawPayload) MarshalJSON() ([]byte, error) {
	if len(p.raw) == 0 {
		return []byte("null"), nil
	}
	return p.raw, nil
}

func (p *RawPayload) UnmarshalJSON(data []byte) error {
	parsed, err := ParseRawPayload(data)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
