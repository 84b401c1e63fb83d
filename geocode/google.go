package geocode

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	json "github.com/goccy/go-json"

	"mls_sync/models"
)

// Google calls the Google Maps Geocoding API.
type Google struct {
	endpoint string
	apiKey   string
	region   string
	client   *http.Client
}

func NewGoogle(endpoint, apiKey, region string, client *http.Client) *Google {
	return &Google{endpoint: endpoint, apiKey: apiKey, region: region, client: client}
}

func (g *Google) Name() string { return models.GeocodeSourceGoogle }

type googleResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Results      []struct {
		Geometry struct {
			Location Point `json:"location"`
		} `json:"geometry"`
	} `json:"results"`
}

func (g *Google) Geocode(ctx context.Context, address string) (*Point, error) {
	q := url.Values{}
	q.Set("address", address)
	q.Set("key", g.apiKey)
	if g.region != "" {
		q.Set("region", g.region)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, &TransientError{Provider: g.Name(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, &TransientError{Provider: g.Name(), Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("google: status %d", resp.StatusCode)
	}

	var result googleResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &TransientError{Provider: g.Name(), Err: err}
	}

	switch result.Status {
	case "OK":
		if len(result.Results) == 0 {
			return nil, ErrNotFound
		}
		loc := result.Results[0].Geometry.Location
		return &loc, nil
	case "ZERO_RESULTS":
		return nil, ErrNotFound
	case "OVER_QUERY_LIMIT", "UNKNOWN_ERROR":
		return nil, &TransientError{Provider: g.Name(), Err: fmt.Errorf("%s: %s", result.Status, result.ErrorMessage)}
	default:
		return nil, fmt.Errorf("google: %s: %s", result.Status, result.ErrorMessage)
	}
}
