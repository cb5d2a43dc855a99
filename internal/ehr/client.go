package ehr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/karflow/internal/expressions"
	"github.com/rendis/karflow/internal/logging"
	"github.com/rendis/karflow/internal/processing"
	"github.com/rendis/karflow/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultTimeout         = 30 * time.Second
	defaultMaxPages        = 10

	bundleEntries = `.entry[]?.resource | select(. != null)`
	bundleNext    = `.link[]? | select(.relation == "next") | .url`
)

// Config configures the FHIR client.
type Config struct {
	BaseURL         string // used when the notification carries no server URL
	Timeout         time.Duration
	MaxResponseBody int64
	MaxPages        int
	Retry           RetryPolicy
	Breaker         BreakerConfig
	// TypeQueries overrides the search used for a requirement type, e.g.
	// "Observation": "Observation?patient={{patientId}}&category=laboratory".
	TypeQueries map[string]string
	// ReferenceQuery loads jurisdiction data. Nil disables reference data.
	ReferenceQuery *schema.QueryFilter
}

// FHIRClient implements QueryService over the FHIR REST API.
type FHIRClient struct {
	cfg      Config
	http     *http.Client
	tokens   TokenSource
	breakers *Breakers
	jq       *expressions.GoJQEngine
	logger   *slog.Logger
}

// NewFHIRClient creates a client. A nil httpClient uses a client with cfg.Timeout.
func NewFHIRClient(cfg Config, tokens TokenSource, httpClient *http.Client, logger *slog.Logger) *FHIRClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if tokens == nil {
		tokens = StaticToken("")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &FHIRClient{
		cfg:      cfg,
		http:     httpClient,
		tokens:   tokens,
		breakers: NewBreakers(cfg.Breaker),
		jq:       expressions.NewGoJQEngine(),
		logger:   logger,
	}
}

// ExecuteNamedQuery interpolates the query template, runs the search, applies
// the optional jq filter and stores the result under key.
func (c *FHIRClient) ExecuteNamedQuery(ctx context.Context, pc *processing.Context, key string, filter schema.QueryFilter) ([]schema.Resource, error) {
	if filter.Query == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "named query %q has no query", key)
	}
	resources, err := c.search(ctx, pc, filter.Query)
	if err != nil {
		return nil, err
	}
	resources, err = c.jq.Filter(ctx, filter.Filter, resources)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeQueryFailed, "filter for query %q failed", key).WithCause(err)
	}
	pc.SetResources(key, resources)

	logging.LogWith(ctx, c.logger).Debug("named query resolved",
		slog.String("query_key", key),
		slog.Int("resources", len(resources)),
	)
	return resources, nil
}

// FetchByRequirements searches each requirement's resource type for the
// patient. The triggering resource itself is read directly. A failed
// requirement is left out of the result and reported in the joined error.
func (c *FHIRClient) FetchByRequirements(ctx context.Context, pc *processing.Context, reqs []schema.DataRequirement) (map[string][]schema.Resource, error) {
	out := make(map[string][]schema.Resource, len(reqs))
	var errs []error
	for _, dr := range reqs {
		resources, err := c.search(ctx, pc, c.requirementQuery(pc, dr))
		if err != nil {
			if schema.IsFatal(err) {
				return out, err
			}
			errs = append(errs, schema.NewErrorf(schema.ErrCodeQueryFailed, "requirement %q: %s", dr.ID, err.Error()).WithCause(err))
			continue
		}
		pc.SetResources(dr.ID, resources)
		out[dr.ID] = resources
	}
	return out, errors.Join(errs...)
}

// FetchReferenceData runs the configured jurisdiction query, if any.
func (c *FHIRClient) FetchReferenceData(ctx context.Context, pc *processing.Context) ([]schema.Resource, error) {
	if c.cfg.ReferenceQuery == nil {
		return nil, nil
	}
	return c.ExecuteNamedQuery(ctx, pc, ReferenceDataKey, *c.cfg.ReferenceQuery)
}

func (c *FHIRClient) requirementQuery(pc *processing.Context, dr schema.DataRequirement) string {
	if q, ok := c.cfg.TypeQueries[dr.Type]; ok {
		return q
	}
	n := pc.Notification
	switch dr.Type {
	case n.NotificationResourceType:
		return dr.Type + "/{{notificationResourceId}}"
	case "Patient":
		return "Patient/{{patientId}}"
	default:
		return dr.Type + "?patient={{patientId}}"
	}
}

// search resolves a relative query and follows bundle "next" links. Links
// must stay on the record system's origin, since every request carries the
// bearer token.
func (c *FHIRClient) search(ctx context.Context, pc *processing.Context, template string) ([]schema.Resource, error) {
	path, err := Interpolate(template, TemplateVars(pc))
	if err != nil {
		return nil, err
	}
	base := c.baseURL(pc)
	if base == "" {
		return nil, schema.NewError(schema.ErrCodeTransport, "no FHIR server base URL configured")
	}
	origin, err := url.Parse(base)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, schema.NewErrorf(schema.ErrCodeTransport, "invalid FHIR server base URL %q", base)
	}

	next := base + "/" + strings.TrimPrefix(path, "/")
	var resources []schema.Resource
	pages := 0
	for ; next != "" && pages < c.cfg.MaxPages; pages++ {
		body, err := c.getWithRetry(ctx, pc, next)
		if err != nil {
			return nil, err
		}
		if body == nil {
			next = ""
			break
		}
		found, link, err := c.unpack(ctx, body)
		if err != nil {
			return nil, err
		}
		resources = append(resources, found...)
		if link == "" {
			next = ""
			break
		}
		if next, err = nextPage(origin, next, link); err != nil {
			return nil, err
		}
	}
	if next != "" {
		logging.LogWith(ctx, c.logger).Warn("search truncated at page limit",
			slog.String("query", path),
			slog.Int("pages", pages),
			slog.Int("resources", len(resources)))
	}
	if resources == nil {
		resources = []schema.Resource{}
	}
	return resources, nil
}

// nextPage resolves a bundle "next" link against the page it came from and
// rejects links that leave the origin's scheme and host.
func nextPage(origin *url.URL, current, link string) (string, error) {
	cur, err := url.Parse(current)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeQueryFailed, "invalid page url %q", current).WithCause(err)
	}
	ref, err := url.Parse(link)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeQueryFailed, "invalid next link %q", link).WithCause(err)
	}
	resolved := cur.ResolveReference(ref)
	if !strings.EqualFold(resolved.Scheme, origin.Scheme) || !strings.EqualFold(resolved.Host, origin.Host) {
		return "", schema.NewErrorf(schema.ErrCodeQueryFailed, "next link leaves record system %s", origin.Host).
			WithDetails(map[string]any{"link": link})
	}
	return resolved.String(), nil
}

func (c *FHIRClient) baseURL(pc *processing.Context) string {
	if pc.Notification.FHIRServerBaseURL != "" {
		return strings.TrimSuffix(pc.Notification.FHIRServerBaseURL, "/")
	}
	return strings.TrimSuffix(c.cfg.BaseURL, "/")
}

// unpack returns the resources of a search bundle (or the single resource
// read) and the next page URL.
func (c *FHIRClient) unpack(ctx context.Context, body map[string]any) ([]schema.Resource, string, error) {
	if rt, _ := body["resourceType"].(string); rt != "Bundle" {
		return []schema.Resource{schema.Resource(body)}, "", nil
	}

	entries, err := c.jq.EvaluateAll(ctx, bundleEntries, body)
	if err != nil {
		return nil, "", schema.NewError(schema.ErrCodeQueryFailed, "malformed search bundle").WithCause(err)
	}
	resources := make([]schema.Resource, 0, len(entries))
	for _, e := range entries {
		if m, ok := e.(map[string]any); ok {
			resources = append(resources, schema.Resource(m))
		}
	}

	var next string
	links, err := c.jq.EvaluateAll(ctx, bundleNext, body)
	if err == nil && len(links) > 0 {
		next, _ = links[0].(string)
	}
	return resources, next, nil
}

func (c *FHIRClient) getWithRetry(ctx context.Context, pc *processing.Context, url string) (map[string]any, error) {
	server := c.baseURL(pc)
	if err := c.breakers.Allow(server); err != nil {
		return nil, err
	}
	body, err := c.retry(ctx, pc, url)
	switch {
	case err == nil:
		c.breakers.RecordSuccess(server)
	case IsRetryableError(err):
		if c.breakers.RecordFailure(server) == CircuitOpen {
			logging.LogWith(ctx, c.logger).Warn("record system circuit open", slog.String("server", server))
		}
	}
	return body, err
}

func (c *FHIRClient) retry(ctx context.Context, pc *processing.Context, url string) (map[string]any, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.Retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, c.cfg.Retry.Wait(attempt-1, lastErr)); err != nil {
				return nil, schema.NewError(schema.ErrCodeQueryFailed, "request cancelled").WithCause(err)
			}
		}
		body, err := c.get(ctx, pc, url)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !IsRetryableError(err) {
			return nil, err
		}
		logging.LogWith(ctx, c.logger).Warn("record system request failed, retrying",
			slog.String("url", url),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}
	return nil, lastErr
}

// get performs one GET. A 404 yields a nil body and no error.
func (c *FHIRClient) get(ctx context.Context, pc *processing.Context, url string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid request url %q", url).WithCause(err)
	}
	req.Header.Set("Accept", "application/fhir+json")
	if id := correlationID(ctx, pc); id != "" {
		req.Header.Set("X-Correlation-ID", id)
	}
	if id := requestID(ctx, pc); id != "" {
		req.Header.Set("X-Request-ID", id)
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeTransport, "obtain access token").WithCause(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeQueryFailed, "request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeQueryFailed, "read response body").WithCause(err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, schema.NewErrorf(schema.ErrCodeTransport, "record system rejected credentials (%d)", resp.StatusCode).
			WithDetails(map[string]any{"status": resp.StatusCode, "url": url})
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		details := map[string]any{"status": resp.StatusCode, "url": url}
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
			details[retryAfterDetail] = d
		}
		return nil, schema.NewErrorf(schema.ErrCodeQueryFailed, "record system returned %d", resp.StatusCode).
			WithDetails(details)
	case resp.StatusCode >= 400:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "record system returned %d", resp.StatusCode).
			WithDetails(map[string]any{"status": resp.StatusCode, "url": url, "body": string(data)})
	}

	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "response is not a FHIR JSON resource").WithCause(err)
	}
	return body, nil
}

func correlationID(ctx context.Context, pc *processing.Context) string {
	if id := logging.CorrelationID(ctx); id != "" {
		return id
	}
	return pc.Notification.CorrelationID
}

func requestID(ctx context.Context, pc *processing.Context) string {
	if id := logging.RequestID(ctx); id != "" {
		return id
	}
	return pc.Notification.RequestID
}

var _ QueryService = (*FHIRClient)(nil)

func init() {
	// Fail fast if the bundle expressions stop compiling.
	jq := expressions.NewGoJQEngine()
	for _, e := range []string{bundleEntries, bundleNext} {
		if err := jq.Compile(e); err != nil {
			panic(fmt.Sprintf("ehr: %v", err))
		}
	}
}
