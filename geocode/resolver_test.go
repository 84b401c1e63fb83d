package geocode

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"mls_sync/logging"
	"mls_sync/models"
)

func TestMain(m *testing.M) {
	logging.SetOutput(io.Discard)
	os.Exit(m.Run())
}

type stubProvider struct {
	name  string
	calls atomic.Int32
	fn    func(n int32) (*Point, error)
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Geocode(ctx context.Context, address string) (*Point, error) {
	return s.fn(s.calls.Add(1))
}

func found(lat, lng float64) func(int32) (*Point, error) {
	return func(int32) (*Point, error) { return &Point{Lat: lat, Lng: lng}, nil }
}

func notFound(int32) (*Point, error) { return nil, ErrNotFound }

func TestResolveFallsBackToSecondProvider(t *testing.T) {
	primary := &stubProvider{name: "google", fn: notFound}
	fallback := &stubProvider{name: "nominatim", fn: found(43.65, -79.38)}
	r := NewResolver([]Provider{primary, fallback}, Options{})

	out := r.Resolve(context.Background(), "12 King St W, Toronto, ON")
	if !out.OK() || out.Source != "nominatim" {
		t.Fatalf("outcome = %+v, want nominatim success", out)
	}
	if out.Point.Lat != 43.65 {
		t.Errorf("lat = %v", out.Point.Lat)
	}
}

func TestResolveRetriesTransientErrors(t *testing.T) {
	flaky := &stubProvider{name: "google", fn: func(n int32) (*Point, error) {
		if n < 3 {
			return nil, &TransientError{Provider: "google", Err: io.ErrUnexpectedEOF}
		}
		return &Point{Lat: 1, Lng: 2}, nil
	}}
	r := NewResolver([]Provider{flaky}, Options{MaxRetries: 2, RetryDelay: time.Millisecond})

	out := r.Resolve(context.Background(), "somewhere")
	if !out.OK() {
		t.Fatalf("outcome = %+v", out)
	}
	if flaky.calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", flaky.calls.Load())
	}
}

func TestResolveFailureIsCached(t *testing.T) {
	p := &stubProvider{name: "nominatim", fn: notFound}
	r := NewResolver([]Provider{p}, Options{FailureTTL: time.Hour})
	now := time.Now()
	r.now = func() time.Time { return now }

	first := r.Resolve(context.Background(), "1 Nowhere Rd")
	if first.OK() || first.Failure == nil || first.Failure.Cached {
		t.Fatalf("first = %+v, want uncached failure", first)
	}
	second := r.Resolve(context.Background(), "1 nowhere road")
	if second.Failure == nil || !second.Failure.Cached {
		t.Fatalf("second = %+v, want cached failure", second)
	}
	if p.calls.Load() != 1 {
		t.Errorf("provider calls = %d, want 1", p.calls.Load())
	}

	now = now.Add(2 * time.Hour)
	r.Resolve(context.Background(), "1 Nowhere Rd")
	if p.calls.Load() != 2 {
		t.Errorf("provider calls after TTL = %d, want 2", p.calls.Load())
	}
}

func TestResolveTransientExhaustionNotCached(t *testing.T) {
	p := &stubProvider{name: "nominatim", fn: func(int32) (*Point, error) {
		return nil, &TransientError{Provider: "nominatim", Err: io.EOF}
	}}
	r := NewResolver([]Provider{p}, Options{FailureTTL: time.Hour, RetryDelay: time.Millisecond})

	r.Resolve(context.Background(), "addr")
	out := r.Resolve(context.Background(), "addr")
	if out.Failure == nil || out.Failure.Cached {
		t.Fatalf("outcome = %+v, want uncached failure", out)
	}
	if p.calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", p.calls.Load())
	}
}

func TestResolvePropertyWithCoordinatesIsNoOp(t *testing.T) {
	p := &stubProvider{name: "google", fn: found(1, 1)}
	r := NewResolver([]Provider{p}, Options{})

	lat, lng := 43.0, -79.0
	prop := &models.Property{MLSID: "X1", StreetNumber: "1", StreetName: "King", Latitude: &lat, Longitude: &lng}

	out := r.ResolveProperty(context.Background(), prop, false)
	if !out.Skipped || p.calls.Load() != 0 {
		t.Fatalf("outcome = %+v calls = %d, want skipped without calls", out, p.calls.Load())
	}

	out = r.ResolveProperty(context.Background(), prop, true)
	if !out.OK() || p.calls.Load() != 1 {
		t.Fatalf("forced outcome = %+v calls = %d", out, p.calls.Load())
	}
}

func TestResolveEmptyAddress(t *testing.T) {
	p := &stubProvider{name: "google", fn: found(1, 1)}
	r := NewResolver([]Provider{p}, Options{})
	out := r.ResolveProperty(context.Background(), &models.Property{MLSID: "X1"}, false)
	if out.Failure == nil || out.Failure.Reason != "no address" || p.calls.Load() != 0 {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestResolveHonoursMinInterval(t *testing.T) {
	p := &stubProvider{name: "google", fn: found(1, 1)}
	r := NewResolver([]Provider{p}, Options{MinInterval: 40 * time.Millisecond})

	start := time.Now()
	for _, addr := range []string{"a", "b", "c"} {
		r.Resolve(context.Background(), addr)
	}
	if elapsed := time.Since(start); elapsed < 75*time.Millisecond {
		t.Errorf("3 calls took %v, want at least 2 intervals", elapsed)
	}
}

func TestGoogleProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "k" {
			t.Errorf("missing key: %s", r.URL.RawQuery)
		}
		switch r.URL.Query().Get("address") {
		case "found":
			w.Write([]byte(`{"status":"OK","results":[{"geometry":{"location":{"lat":43.1,"lng":-79.2}}}]}`))
		case "quota":
			w.Write([]byte(`{"status":"OVER_QUERY_LIMIT","results":[]}`))
		default:
			w.Write([]byte(`{"status":"ZERO_RESULTS","results":[]}`))
		}
	}))
	defer srv.Close()

	g := NewGoogle(srv.URL, "k", "ca", srv.Client())
	pt, err := g.Geocode(context.Background(), "found")
	if err != nil || pt.Lat != 43.1 || pt.Lng != -79.2 {
		t.Fatalf("Geocode = %+v, %v", pt, err)
	}
	if _, err := g.Geocode(context.Background(), "missing"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if _, err := g.Geocode(context.Background(), "quota"); !isTransient(err) {
		t.Errorf("err = %v, want transient", err)
	}
}

func TestNominatimProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "mls-sync-test" {
			t.Errorf("User-Agent = %q", r.Header.Get("User-Agent"))
		}
		if r.URL.Query().Get("q") == "found" {
			w.Write([]byte(`[{"lat":"43.5","lon":"-79.5"}]`))
			return
		}
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	n := NewNominatim(srv.URL, "mls-sync-test", "ca", srv.Client())
	pt, err := n.Geocode(context.Background(), "found")
	if err != nil || pt.Lat != 43.5 || pt.Lng != -79.5 {
		t.Fatalf("Geocode = %+v, %v", pt, err)
	}
	if _, err := n.Geocode(context.Background(), "other"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
