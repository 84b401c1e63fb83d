package geocode

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	json "github.com/goccy/go-json"

	"mls_sync/models"
)

// Nominatim calls an OpenStreetMap Nominatim search endpoint. The public
// instance requires an identifying User-Agent.
type Nominatim struct {
	endpoint    string
	userAgent   string
	countryCode string
	client      *http.Client
}

func NewNominatim(endpoint, userAgent, countryCode string, client *http.Client) *Nominatim {
	return &Nominatim{endpoint: endpoint, userAgent: userAgent, countryCode: countryCode, client: client}
}

func (n *Nominatim) Name() string { return models.GeocodeSourceNominatim }

type nominatimResult struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

func (n *Nominatim) Geocode(ctx context.Context, address string) (*Point, error) {
	q := url.Values{}
	q.Set("q", address)
	q.Set("format", "jsonv2")
	q.Set("limit", "1")
	if n.countryCode != "" {
		q.Set("countrycodes", n.countryCode)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", n.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, &TransientError{Provider: n.Name(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, &TransientError{Provider: n.Name(), Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nominatim: status %d", resp.StatusCode)
	}

	var results []nominatimResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, &TransientError{Provider: n.Name(), Err: err}
	}
	if len(results) == 0 {
		return nil, ErrNotFound
	}

	lat, err := strconv.ParseFloat(results[0].Lat, 64)
	if err != nil {
		return nil, fmt.Errorf("nominatim: bad lat %q", results[0].Lat)
	}
	lng, err := strconv.ParseFloat(results[0].Lon, 64)
	if err != nil {
		return nil, fmt.Errorf("nominatim: bad lon %q", results[0].Lon)
	}
	return &Point{Lat: lat, Lng: lng}, nil
}
