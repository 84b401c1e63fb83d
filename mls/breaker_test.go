package mls

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	gobreaker "github.com/sony/gobreaker/v2"
)

func TestBreakerOpensAfterConsecutiveTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	feed := testFeed(srv.URL)
	feed.MaxRetries = 0
	client := NewClient(feed, srv.Client())

	for i := 0; i < 5; i++ {
		if _, err := client.FetchPage(context.Background(), PageRequest{}); !IsTransient(err) {
			t.Fatalf("call %d: err = %v, want transient", i, err)
		}
	}

	_, err := client.FetchPage(context.Background(), PageRequest{})
	if !IsTransient(err) || !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("err = %v, want open-breaker transient error", err)
	}
	if calls.Load() != 5 {
		t.Errorf("calls = %d, open breaker should not reach the server", calls.Load())
	}
}

func TestBreakerIgnoresAuthErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	client := NewClient(testFeed(srv.URL), srv.Client())
	for i := 0; i < 7; i++ {
		if _, err := client.FetchPage(context.Background(), PageRequest{}); !IsFatalAuth(err) {
			t.Fatalf("call %d: err = %v, want auth error", i, err)
		}
	}
	if calls.Load() != 7 {
		t.Errorf("calls = %d, auth failures must not trip the breaker", calls.Load())
	}
}
