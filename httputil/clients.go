package httputil

import (
	"net/http"
	"time"

	"mls_sync/config"
)

type Clients struct {
	MLS     *http.Client // feed API, bearer-authenticated
	Geocode *http.Client // Google / Nominatim
}

func NewClients(cfg *config.Config) *Clients {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Clients{
		MLS:     &http.Client{Timeout: cfg.Feed.Timeout, Transport: transport},
		Geocode: &http.Client{Timeout: cfg.Geocode.Timeout, Transport: transport},
	}
}
