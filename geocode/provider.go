package geocode

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound means the provider answered but had no match for the address.
var ErrNotFound = errors.New("geocode: no result")

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Provider resolves a free-text address to a point.
type Provider interface {
	Name() string
	Geocode(ctx context.Context, address string) (*Point, error)
}

// TransientError marks a provider failure worth retrying (network, quota, 5xx).
type TransientError struct {
	Provider string
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func isTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
