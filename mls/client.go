package mls

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"mls_sync/config"
	"mls_sync/logging"
	"mls_sync/metrics"
	"mls_sync/models"
)

const (
	maxRetryAfter  = 30 * time.Second
	mediaChunkSize = 50
)

// PageRequest selects one page of listings. Since and IDs are mutually
// exclusive; with neither set the whole catalog is paged by ListingKey.
type PageRequest struct {
	Offset   int
	PageSize int
	Since    *time.Time
	IDs      []string
}

type Page struct {
	Records    []models.ListingRecord
	HasMore    bool
	NextOffset int
	Invalid    int    // entries dropped because they could not be mapped
	Raw        []byte // response body as received
}

// Client talks to a RESO/OData listing feed such as PropTx AMPRE.
type Client struct {
	cfg     *config.FeedConfig
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
}

func NewClient(cfg *config.FeedConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		cfg:     cfg,
		http:    httpClient,
		breaker: newBreaker(),
	}
}

func (c *Client) FeedID() string {
	return c.cfg.ID
}

func (c *Client) FetchPage(ctx context.Context, req PageRequest) (*Page, error) {
	if req.PageSize <= 0 {
		req.PageSize = c.cfg.PageSize
	}

	body, err := c.get(ctx, c.cfg.Resource, c.propertyQuery(req))
	if err != nil {
		return nil, err
	}

	var env odataEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode %s page at offset %d: %w", c.cfg.Resource, req.Offset, err)
	}

	page := &Page{
		Raw:        body,
		NextOffset: req.Offset + len(env.Value),
		HasMore:    env.NextLink != "" || len(env.Value) >= req.PageSize,
	}
	if len(env.Value) == 0 {
		page.HasMore = false
	}

	for _, raw := range env.Value {
		rec, err := mapRecord(raw, c.cfg.StatusMap)
		if err != nil {
			page.Invalid++
			logging.Warn().Err(err).Int("offset", req.Offset).Msg("skipping unmappable listing")
			continue
		}
		page.Records = append(page.Records, rec)
	}

	if !c.cfg.SkipPageMedia && len(page.Records) > 0 {
		if err := c.attachMedia(ctx, page.Records); err != nil {
			return nil, err
		}
	}

	return page, nil
}

// attachMedia fills Media for records whose payload did not embed it. A
// failed lookup leaves Media nil so the record's images are left untouched;
// only an auth rejection is returned.
func (c *Client) attachMedia(ctx context.Context, records []models.ListingRecord) error {
	var ids []string
	for _, r := range records {
		if r.Media == nil {
			ids = append(ids, r.MLSID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	media, err := c.FetchMedia(ctx, ids)
	if IsFatalAuth(err) {
		return err
	}
	if err != nil {
		logging.Warn().Err(err).Int("listings", len(ids)).Msg("media lookup failed, images left as-is")
		return nil
	}
	for i := range records {
		if records[i].Media != nil {
			continue
		}
		items := media[records[i].MLSID]
		if items == nil {
			items = []models.MediaItem{}
		}
		records[i].Media = items
	}
	return nil
}

// FetchMedia returns the media manifest of each listing, ordered by Order.
// Listings without media are absent from the map.
func (c *Client) FetchMedia(ctx context.Context, mlsIDs []string) (map[string][]models.MediaItem, error) {
	out := make(map[string][]models.MediaItem, len(mlsIDs))

	for start := 0; start < len(mlsIDs); start += mediaChunkSize {
		end := min(start+mediaChunkSize, len(mlsIDs))
		chunk := mlsIDs[start:end]

		for skip := 0; ; {
			q := query{
				{"$filter", "ResourceName eq 'Property' and " + inFilter("ResourceRecordKey", chunk)},
				{"$orderby", "ResourceRecordKey,Order"},
				{"$top", strconv.Itoa(c.cfg.PageSize)},
				{"$skip", strconv.Itoa(skip)},
			}
			body, err := c.get(ctx, c.cfg.MediaResource, q)
			if err != nil {
				return nil, err
			}

			var env mediaEnvelope
			if err := json.Unmarshal(body, &env); err != nil {
				return nil, fmt.Errorf("decode media: %w", err)
			}
			for _, m := range env.Value {
				out[m.ResourceRecordKey] = append(out[m.ResourceRecordKey], m.MediaItem)
			}

			skip += len(env.Value)
			if len(env.Value) == 0 || (env.NextLink == "" && len(env.Value) < c.cfg.PageSize) {
				break
			}
		}
	}

	return out, nil
}

func (c *Client) propertyQuery(req PageRequest) query {
	q := query{
		{"$top", strconv.Itoa(req.PageSize)},
		{"$skip", strconv.Itoa(req.Offset)},
	}
	switch {
	case len(req.IDs) > 0:
		q = append(q, queryParam{"$filter", inFilter("ListingKey", req.IDs)}, queryParam{"$orderby", "ListingKey"})
	case req.Since != nil:
		q = append(q,
			queryParam{"$filter", "ModificationTimestamp gt " + req.Since.UTC().Format(time.RFC3339)},
			queryParam{"$orderby", "ModificationTimestamp asc,ListingKey asc"},
		)
	default:
		q = append(q, queryParam{"$orderby", "ListingKey"})
	}
	if len(c.cfg.Select) > 0 {
		q = append(q, queryParam{"$select", strings.Join(c.cfg.Select, ",")})
	}
	return q
}

// get performs a GET with bounded exponential backoff on transient errors.
func (c *Client) get(ctx context.Context, resource string, q query) ([]byte, error) {
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + resource + "?" + q.Encode()
	delay := c.cfg.RetryDelay

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := delay
			if te, ok := lastErr.(*retryAfterError); ok && te.after > 0 {
				wait = te.after
			}
			logging.Debug().Str("resource", resource).Int("attempt", attempt).Dur("wait", wait).Err(lastErr).Msg("retrying feed request")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
			delay *= 2
		}

		start := time.Now()
		body, err := c.breaker.Execute(func() ([]byte, error) {
			return c.do(ctx, resource, endpoint)
		})
		err = breakerError(resource, err)
		if err == nil {
			metrics.RecordMLSRequest(resource, "ok", time.Since(start))
			return body, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !IsTransient(err) {
			outcome := "error"
			if IsFatalAuth(err) {
				outcome = "auth"
			}
			metrics.RecordMLSRequest(resource, outcome, time.Since(start))
			return nil, unwrapRetryAfter(err)
		}
		metrics.RecordMLSRequest(resource, "retry", time.Since(start))
		lastErr = err
	}

	return nil, unwrapRetryAfter(lastErr)
}

func (c *Client) do(ctx context.Context, op, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientNetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientNetworkError{Op: op, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &FatalAuthError{StatusCode: resp.StatusCode, Body: truncate(string(body), 200)}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		te := &TransientNetworkError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", truncate(string(body), 200))}
		if after := parseRetryAfter(resp.Header.Get("Retry-After")); after > 0 {
			return nil, &retryAfterError{TransientNetworkError: te, after: after}
		}
		return nil, te
	default:
		return nil, fmt.Errorf("mls %s: status %d: %s", op, resp.StatusCode, truncate(string(body), 200))
	}
}

type odataEnvelope struct {
	Value    []models.RawPayload `json:"value"`
	NextLink string              `json:"@odata.nextLink"`
}

type mediaEnvelope struct {
	Value []struct {
		ResourceRecordKey string `json:"ResourceRecordKey"`
		models.MediaItem
	} `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

// retryAfterError carries a server-requested delay alongside a transient error.
type retryAfterError struct {
	*TransientNetworkError
	after time.Duration
}

func (e *retryAfterError) Unwrap() error { return e.TransientNetworkError }

func unwrapRetryAfter(err error) error {
	if ra, ok := err.(*retryAfterError); ok {
		return ra.TransientNetworkError
	}
	return err
}

func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return min(time.Duration(secs)*time.Second, maxRetryAfter)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
