package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/steveyegge/offsync/internal/record"
	"github.com/steveyegge/offsync/internal/schema"
	"github.com/steveyegge/offsync/internal/syncerr"
)

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	// BaseURL is the endpoint root, e.g. https://sync.example.com/api.
	BaseURL string `mapstructure:"base_url"`
	// Token is sent as a bearer token when set.
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
	// ReconnectMin and ReconnectMax bound the subscription reconnect backoff.
	ReconnectMin time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax time.Duration `mapstructure:"reconnect_max"`
	Logger       *zap.Logger   `mapstructure:"-"`
}

// DefaultHTTPConfig returns an HTTPConfig with default timeouts.
func DefaultHTTPConfig(baseURL string) HTTPConfig {
	return HTTPConfig{
		BaseURL:      baseURL,
		Timeout:      30 * time.Second,
		ReconnectMin: 500 * time.Millisecond,
		ReconnectMax: 30 * time.Second,
	}
}

// HTTPClient lists pages over HTTP and subscribes over WebSocket.
//
//	GET  {base}/sync/{entity}?cursor=...&limit=...
//	  -> {"items": [...], "nextToken": "...", "startedAt": 1709294400000}
//	WS   {base}/subscribe/{entity}
//	  <- one record object per text message
type HTTPClient struct {
	base     *url.URL
	cfg      HTTPConfig
	http     *http.Client
	resolver record.Resolver
	logger   *zap.Logger
}

// NewHTTPClient creates a client decoding records with the schemas of res.
func NewHTTPClient(cfg HTTPConfig, res record.Resolver) (*HTTPClient, error) {
	if res == nil {
		return nil, fmt.Errorf("resolver cannot be nil")
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid remote URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid remote URL %q: scheme must be http or https", cfg.BaseURL)
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 500 * time.Millisecond
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = cfg.ReconnectMin
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		base:     base,
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		resolver: res,
		logger:   logger.Named("remote"),
	}, nil
}

type pageEnvelope struct {
	Items     []json.RawMessage `json:"items"`
	NextToken *string           `json:"nextToken"`
	StartedAt int64             `json:"startedAt"`
}

// ListPage fetches one page. Items that fail to decode are logged and
// skipped; a malformed envelope fails the page with a decoding error.
func (c *HTTPClient) ListPage(ctx context.Context, entity string, cursor *string, limit int) (*Page, error) {
	s, ok := c.resolver.Lookup(entity)
	if !ok {
		return nil, syncerr.Sync(syncerr.DecodingFailure, entity, fmt.Errorf("no schema for %q", entity))
	}

	u := c.endpoint("sync", entity)
	q := u.Query()
	if cursor != nil {
		q.Set("cursor", *cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, syncerr.Sync(syncerr.NetworkFailure, entity, err)
	}
	c.authorize(req.Header)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, syncerr.Sync(syncerr.NetworkFailure, entity, err)
	}
	defer resp.Body.Close()

	if err := statusError(entity, resp); err != nil {
		return nil, err
	}

	var env pageEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, syncerr.Sync(syncerr.DecodingFailure, entity, fmt.Errorf("failed to decode page: %w", err))
	}

	page := &Page{NextCursor: env.NextToken, Records: make([]*record.Record, 0, len(env.Items))}
	if env.StartedAt > 0 {
		page.StartedAt = time.UnixMilli(env.StartedAt).UTC()
	}
	for i, item := range env.Items {
		rec, err := record.DecodeJSON(s, item, c.resolver)
		if err != nil {
			c.logger.Warn("skipping undecodable record",
				zap.String("entity", entity), zap.Int("index", i), zap.Error(err))
			continue
		}
		page.Records = append(page.Records, rec)
	}
	return page, nil
}

func statusError(entity string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("remote returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return syncerr.Sync(syncerr.Unauthorized, entity, err)
	}
	return syncerr.Sync(syncerr.NetworkFailure, entity, err)
}

// Subscribe opens a live feed for entity. The first connection is made
// before Subscribe returns; later disconnects are reported on Errors and
// retried with exponential backoff until ctx ends or Close is called.
func (c *HTTPClient) Subscribe(ctx context.Context, entity string) (Subscription, error) {
	s, ok := c.resolver.Lookup(entity)
	if !ok {
		return nil, syncerr.Sync(syncerr.DecodingFailure, entity, fmt.Errorf("no schema for %q", entity))
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &wsSubscription{
		id:      uuid.NewString(),
		records: make(chan *record.Record, 64),
		errs:    make(chan error, 16),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	conn, err := c.dial(subCtx, entity, sub.id)
	if err != nil {
		cancel()
		return nil, err
	}

	logger := c.logger.With(zap.String("entity", entity), zap.String("subscription", sub.id))
	go func() {
		defer close(sub.done)
		defer close(sub.records)

		backoff := c.cfg.ReconnectMin
		for {
			received, err := c.readLoop(subCtx, conn, sub, s, logger)
			if subCtx.Err() != nil {
				return
			}
			if received {
				backoff = c.cfg.ReconnectMin
			}
			sub.report(syncerr.Sync(syncerr.NetworkFailure, entity, fmt.Errorf("subscription interrupted: %w", err)))

			for {
				select {
				case <-subCtx.Done():
					return
				case <-time.After(backoff):
				}
				backoff = min(backoff*2, c.cfg.ReconnectMax)
				conn, err = c.dial(subCtx, entity, sub.id)
				if err == nil {
					logger.Info("subscription reconnected")
					break
				}
				if subCtx.Err() != nil {
					return
				}
				sub.report(err)
			}
		}
	}()
	return sub, nil
}

func (c *HTTPClient) dial(ctx context.Context, entity, id string) (*websocket.Conn, error) {
	u := c.endpoint("subscribe", entity)
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	header := http.Header{}
	c.authorize(header)
	header.Set("X-Subscription-Id", id)

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, syncerr.Sync(syncerr.Unauthorized, entity, err)
		}
		return nil, syncerr.Sync(syncerr.NetworkFailure, entity, err)
	}
	conn.SetReadLimit(4 << 20)
	return conn, nil
}

// readLoop delivers records until the connection fails. It reports whether
// any message arrived before the failure.
func (c *HTTPClient) readLoop(ctx context.Context, conn *websocket.Conn, sub *wsSubscription,
	s *schema.EntitySchema, logger *zap.Logger) (bool, error) {
	defer conn.Close(websocket.StatusNormalClosure, "")

	received := false
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			logger.Debug("subscription read failed", zap.Error(err))
			return received, err
		}
		received = true

		rec, err := record.DecodeJSON(s, data, c.resolver)
		if err != nil {
			sub.report(syncerr.Sync(syncerr.DecodingFailure, s.Name, err))
			continue
		}
		select {
		case sub.records <- rec:
		case <-ctx.Done():
			return received, ctx.Err()
		}
	}
}

func (c *HTTPClient) endpoint(kind, entity string) *url.URL {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + kind + "/" + url.PathEscape(entity)
	return &u
}

func (c *HTTPClient) authorize(h http.Header) {
	if c.cfg.Token != "" {
		h.Set("Authorization", "Bearer "+c.cfg.Token)
	}
}

type wsSubscription struct {
	id      string
	records chan *record.Record
	errs    chan error
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

func (s *wsSubscription) Records() <-chan *record.Record { return s.records }
func (s *wsSubscription) Errors() <-chan error           { return s.errs }

// Close stops the subscription and waits for its reader to exit.
func (s *wsSubscription) Close() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}

func (s *wsSubscription) report(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	select {
	case s.errs <- err:
	default:
	}
}
