// Package cloud talks to the remote API: edge registration, session
// lookups, event delivery, and the reachability state every other
// component keys off.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/sahinler/edgescale/internal/eventbus"
	"github.com/sahinler/edgescale/internal/idgen"
	"github.com/sahinler/edgescale/internal/types"
)

const (
	// Delivery statuses the cloud reports per event.
	StatusAccepted  = "accepted"
	StatusDuplicate = "duplicate"

	edgeIDConfigKey = "edge_id"
)

// errInvalidEdge marks a 401 whose body names the edge identity. It drives
// the re-register-and-retry-once path.
var errInvalidEdge = errors.New("edge identity rejected")

// ValidationError is a 400 from the cloud. Not retryable.
type ValidationError struct {
	Status int
	Body   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("cloud rejected request (%d): %s", e.Status, e.Body)
}

// IdentityStore persists the cloud-issued edge identity and the
// reachability log. Satisfied by the sqlite store.
type IdentityStore interface {
	GetEdgeConfig(ctx context.Context, key string) (string, error)
	SetEdgeConfig(ctx context.Context, key, value string) error
	LogConnectionTransition(ctx context.Context, online bool, reason string, at time.Time) error
}

// Options configure the client.
type Options struct {
	BaseURL           string // cloud root, without the /edge suffix
	SiteID            string
	SiteName          string
	EdgeName          string
	RegistrationToken string
	Version           string

	Timeout           time.Duration
	MaxRetries        int
	RetryDelay        time.Duration
	BackoffMultiplier float64
	MaxRetryDelay     time.Duration

	// Consecutive failures before isOnline flips false.
	FailureThreshold int
	// A failure streak older than this also flips isOnline false, even
	// below the count threshold. 0 disables the age trip.
	OfflineAfter time.Duration
}

// EventPayload is the wire form of one weighing event.
type EventPayload struct {
	LocalEventID   string `json:"localEventId"`
	DeviceID       string `json:"deviceId"`
	GlobalDeviceID string `json:"globalDeviceId"`
	CloudSessionID string `json:"cloudSessionId,omitempty"`
	OfflineMode    bool   `json:"offlineMode"`
	OfflineBatchID string `json:"offlineBatchId,omitempty"`
	PLUCode        string `json:"pluCode"`
	ProductName    string `json:"productName"`
	WeightGrams    int64  `json:"weightGrams"`
	Barcode        string `json:"barcode"`
	ScaleTimestamp string `json:"scaleTimestamp"`
	ReceivedAt     string `json:"receivedAt"`
}

// NewEventPayload builds the wire form of an event.
func NewEventPayload(e *types.WeighingEvent, globalDeviceID string) EventPayload {
	return EventPayload{
		LocalEventID:   e.ID,
		DeviceID:       e.DeviceID,
		GlobalDeviceID: globalDeviceID,
		CloudSessionID: e.CloudSessionID,
		OfflineMode:    e.OfflineMode,
		OfflineBatchID: e.OfflineBatchID,
		PLUCode:        e.PLUCode,
		ProductName:    e.ProductName,
		WeightGrams:    e.WeightGrams,
		Barcode:        e.Barcode,
		ScaleTimestamp: e.ScaleTimestamp.UTC().Format(time.RFC3339Nano),
		ReceivedAt:     e.ReceivedAt.UTC().Format(time.RFC3339Nano),
	}
}

// EventResult is the response to a single-event post.
type EventResult struct {
	CloudEventID string `json:"cloudEventId"`
	Status       string `json:"status"`
}

// BatchResult is one element of a batch-post response.
type BatchResult struct {
	LocalEventID string `json:"localEventId"`
	CloudEventID string `json:"cloudEventId,omitempty"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
}

// RemoteConfig carries the interval overrides the cloud hands down.
type RemoteConfig struct {
	SessionPollIntervalMs int64 `json:"sessionPollIntervalMs"`
	HeartbeatIntervalMs   int64 `json:"heartbeatIntervalMs"`
}

type registerRequest struct {
	EdgeID       *string  `json:"edgeId"`
	SiteID       string   `json:"siteId"`
	SiteName     string   `json:"siteName"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

type registerResponse struct {
	EdgeID   string       `json:"edgeId"`
	SiteID   string       `json:"siteId"`
	SiteName string       `json:"siteName"`
	Config   RemoteConfig `json:"config"`
}

type sessionsResponse struct {
	Sessions []struct {
		CloudSessionID string `json:"cloudSessionId"`
		DeviceID       string `json:"deviceId"`
		AnimalID       string `json:"animalId,omitempty"`
		AnimalTag      string `json:"animalTag,omitempty"`
		AnimalSpecies  string `json:"animalSpecies,omitempty"`
		OperatorID     string `json:"operatorId,omitempty"`
		Status         string `json:"status"`
	} `json:"sessions"`
}

// Client is the HTTP client for the cloud edge API.
type Client struct {
	http   *http.Client
	opts   Options
	store  IdentityStore
	bus    *eventbus.Bus
	logger *zap.Logger

	mu             sync.Mutex
	edgeID         string
	failures       int
	firstFailureAt time.Time // start of the current failure streak

	online atomic.Bool

	now func() time.Time // test hook
}

// New creates a cloud client. The base URL must not end in /edge; the
// client appends that segment itself.
func New(opts Options, store IdentityStore, bus *eventbus.Bus, logger *zap.Logger) (*Client, error) {
	if strings.HasSuffix(strings.TrimRight(opts.BaseURL, "/"), "/edge") {
		return nil, fmt.Errorf("cloud base URL %q must not end in /edge", opts.BaseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Client{
		http:   &http.Client{},
		opts:   opts,
		store:  store,
		bus:    bus,
		logger: logger.Named("cloud"),
		now:    time.Now,
	}, nil
}

// IsOnline reports current cloud reachability: set on the first successful
// response, cleared after the configured run of consecutive failures.
func (c *Client) IsOnline() bool {
	return c.online.Load()
}

// EdgeID returns the cloud-issued identity, empty before registration.
func (c *Client) EdgeID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.edgeID
}

// EnsureEdgeIdentity loads the persisted edge ID or registers to obtain
// one. Called once at startup and again whenever the cloud rejects the
// identity.
func (c *Client) EnsureEdgeIdentity(ctx context.Context) error {
	c.mu.Lock()
	have := c.edgeID != ""
	c.mu.Unlock()
	if have {
		return nil
	}
	if id, err := c.store.GetEdgeConfig(ctx, edgeIDConfigKey); err == nil && idgen.ValidEdgeID(id) {
		c.mu.Lock()
		c.edgeID = id
		c.mu.Unlock()
		return nil
	}
	return c.Register(ctx)
}

// Register obtains a (possibly new) edge identity from the cloud and
// persists it.
func (c *Client) Register(ctx context.Context) error {
	c.mu.Lock()
	var current *string
	if c.edgeID != "" {
		id := c.edgeID
		current = &id
	}
	c.mu.Unlock()

	req := registerRequest{
		EdgeID:       current,
		SiteID:       c.opts.SiteID,
		SiteName:     c.opts.SiteName,
		Version:      c.opts.Version,
		Capabilities: []string{"weighing", "offline-batching"},
	}
	var resp registerResponse
	if err := c.once(ctx, http.MethodPost, "/register", req, &resp, false); err != nil {
		return fmt.Errorf("register edge: %w", err)
	}
	if !idgen.ValidEdgeID(resp.EdgeID) {
		return fmt.Errorf("register edge: cloud returned malformed edge ID %q", resp.EdgeID)
	}

	c.mu.Lock()
	c.edgeID = resp.EdgeID
	c.mu.Unlock()

	if err := c.store.SetEdgeConfig(ctx, edgeIDConfigKey, resp.EdgeID); err != nil {
		return fmt.Errorf("persist edge ID: %w", err)
	}
	c.logger.Info("edge registered",
		zap.String("edge_id", resp.EdgeID),
		zap.String("site", resp.SiteID))
	return nil
}

// FetchSessions pulls the active sessions for the given devices in one
// call. Satisfies the session cache's fetcher contract.
func (c *Client) FetchSessions(ctx context.Context, deviceIDs []string) ([]*types.SessionMirror, error) {
	path := "/sessions?device_ids=" + strings.Join(deviceIDs, ",")
	var resp sessionsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]*types.SessionMirror, 0, len(resp.Sessions))
	for _, s := range resp.Sessions {
		out = append(out, &types.SessionMirror{
			CloudSessionID: s.CloudSessionID,
			DeviceID:       s.DeviceID,
			AnimalID:       s.AnimalID,
			AnimalTag:      s.AnimalTag,
			AnimalSpecies:  s.AnimalSpecies,
			OperatorID:     s.OperatorID,
			Status:         types.SessionStatus(s.Status),
		})
	}
	return out, nil
}

// SendEvent posts one event.
func (c *Client) SendEvent(ctx context.Context, p EventPayload) (*EventResult, error) {
	var resp EventResult
	if err := c.do(ctx, http.MethodPost, "/events", p, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendEventBatch posts two or more events and returns per-element results.
func (c *Client) SendEventBatch(ctx context.Context, ps []EventPayload) ([]BatchResult, error) {
	req := struct {
		Events []EventPayload `json:"events"`
	}{Events: ps}
	var resp struct {
		Results []BatchResult `json:"results"`
	}
	if err := c.do(ctx, http.MethodPost, "/events/batch", req, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// FetchConfig pulls the cloud-side interval overrides.
func (c *Client) FetchConfig(ctx context.Context) (*RemoteConfig, error) {
	var resp RemoteConfig
	if err := c.do(ctx, http.MethodGet, "/config", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReportDeviceStatus notifies the cloud of a device transition. Single
// attempt; status reports are advisory and the next transition supersedes
// a lost one.
func (c *Client) ReportDeviceStatus(ctx context.Context, d *types.Device) error {
	req := struct {
		DeviceID       string `json:"deviceId"`
		Status         string `json:"status"`
		HeartbeatCount int64  `json:"heartbeatCount"`
		EventCount     int64  `json:"eventCount"`
	}{
		DeviceID:       d.ID,
		Status:         string(d.Status),
		HeartbeatCount: d.HeartbeatCount,
		EventCount:     d.EventCount,
	}
	var resp struct {
		OK bool `json:"ok"`
	}
	return c.callWithIdentity(ctx, http.MethodPost, "/devices/status", req, &resp)
}

// do executes an authenticated call with the retry policy and updates the
// reachability state from the final outcome.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	op := func() error {
		err := c.callWithIdentity(ctx, method, path, in, out)
		var ve *ValidationError
		if errors.As(err, &ve) || errors.Is(err, errInvalidEdge) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.RetryDelay
	b.Multiplier = c.opts.BackoffMultiplier
	b.MaxInterval = c.opts.MaxRetryDelay
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.opts.MaxRetries)), ctx))
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			// The cloud answered; a rejection still proves reachability.
			c.recordSuccess(ctx)
		} else {
			c.recordFailure(ctx, err)
		}
		return err
	}
	c.recordSuccess(ctx)
	return nil
}

// callWithIdentity issues one attempt. A 401 naming the edge identity
// triggers a re-registration and exactly one retry with the new identity.
func (c *Client) callWithIdentity(ctx context.Context, method, path string, in, out any) error {
	if err := c.EnsureEdgeIdentity(ctx); err != nil {
		return err
	}
	err := c.once(ctx, method, path, in, out, true)
	if !errors.Is(err, errInvalidEdge) {
		return err
	}

	c.logger.Warn("cloud rejected edge identity, re-registering")
	c.mu.Lock()
	c.edgeID = ""
	c.mu.Unlock()
	if rerr := c.Register(ctx); rerr != nil {
		return fmt.Errorf("re-register after identity rejection: %w", rerr)
	}
	return c.once(ctx, method, path, in, out, true)
}

// once issues a single HTTP request with the per-call timeout.
func (c *Client) once(ctx context.Context, method, path string, in, out any, authed bool) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(raw)
	}
	url := strings.TrimRight(c.opts.BaseURL, "/") + "/edge" + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authed {
		c.mu.Lock()
		req.Header.Set("X-Edge-Id", c.edgeID)
		c.mu.Unlock()
	} else if c.opts.RegistrationToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.RegistrationToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read response: %w", method, path, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil && len(raw) > 0 {
			if err := json.Unmarshal(raw, out); err != nil {
				return fmt.Errorf("%s %s: decode response: %w", method, path, err)
			}
		}
		return nil
	case resp.StatusCode == http.StatusUnauthorized &&
		strings.Contains(strings.ToLower(string(raw)), "invalid edge"):
		return fmt.Errorf("%s %s: %w", method, path, errInvalidEdge)
	case resp.StatusCode == http.StatusBadRequest:
		return &ValidationError{Status: resp.StatusCode, Body: string(raw)}
	default:
		return fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, raw)
	}
}

func (c *Client) recordSuccess(ctx context.Context) {
	c.mu.Lock()
	c.failures = 0
	c.mu.Unlock()

	if c.online.CompareAndSwap(false, true) {
		now := c.now()
		if err := c.store.LogConnectionTransition(ctx, true, "request succeeded", now); err != nil {
			c.logger.Error("log connection transition failed", zap.Error(err))
		}
		c.logger.Info("cloud reachable")
		if c.bus != nil {
			_ = c.bus.Publish(ctx, &eventbus.Event{
				Type: eventbus.CloudConnected,
				At:   now,
			})
		}
	}
}

func (c *Client) recordFailure(ctx context.Context, cause error) {
	now := c.now()

	c.mu.Lock()
	if c.failures == 0 {
		c.firstFailureAt = now
	}
	c.failures++
	trip := c.failures >= c.opts.FailureThreshold ||
		(c.opts.OfflineAfter > 0 && now.Sub(c.firstFailureAt) >= c.opts.OfflineAfter)
	c.mu.Unlock()

	if trip && c.online.CompareAndSwap(true, false) {
		if err := c.store.LogConnectionTransition(ctx, false, cause.Error(), now); err != nil {
			c.logger.Error("log connection transition failed", zap.Error(err))
		}
		c.logger.Warn("cloud unreachable", zap.Error(cause))
		if c.bus != nil {
			_ = c.bus.Publish(ctx, &eventbus.Event{
				Type:   eventbus.CloudDisconnected,
				At:     now,
				Reason: cause.Error(),
			})
		}
	}
}
