// Package remotetest provides a scripted in-memory remote.Client.
package remotetest

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/steveyegge/offsync/internal/record"
	"github.com/steveyegge/offsync/internal/remote"
)

// Client serves scripted pages and hands out controllable subscriptions.
// Page i of an entity is requested with cursor nil (i == 0) or
// strconv.Itoa(i).
type Client struct {
	mu        sync.Mutex
	pages     map[string][][]*record.Record
	listErr   map[string]error
	subErr    map[string]error
	calls     map[string]int
	cursors   map[string][]string
	limits    map[string][]int
	subs      map[string][]*Subscription
	pageDelay time.Duration
	subscribe chan string
}

// New returns an empty client. Entities without scripted pages return a
// single empty page.
func New() *Client {
	return &Client{
		pages:     make(map[string][][]*record.Record),
		listErr:   make(map[string]error),
		subErr:    make(map[string]error),
		calls:     make(map[string]int),
		cursors:   make(map[string][]string),
		limits:    make(map[string][]int),
		subs:      make(map[string][]*Subscription),
		subscribe: make(chan string, 64),
	}
}

// SetPages scripts the pages returned for entity.
func (c *Client) SetPages(entity string, pages ...[]*record.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages[entity] = pages
}

// FailList makes every ListPage call for entity return err.
func (c *Client) FailList(entity string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listErr[entity] = err
}

// FailSubscribe makes Subscribe for entity return err.
func (c *Client) FailSubscribe(entity string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subErr[entity] = err
}

// SetPageDelay delays every ListPage call.
func (c *Client) SetPageDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pageDelay = d
}

// ListPage implements remote.Client.
func (c *Client) ListPage(ctx context.Context, entity string, cursor *string, limit int) (*remote.Page, error) {
	c.mu.Lock()
	c.calls[entity]++
	if cursor == nil {
		c.cursors[entity] = append(c.cursors[entity], "")
	} else {
		c.cursors[entity] = append(c.cursors[entity], *cursor)
	}
	c.limits[entity] = append(c.limits[entity], limit)
	err := c.listErr[entity]
	pages := c.pages[entity]
	delay := c.pageDelay
	c.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	idx := 0
	if cursor != nil && *cursor != "" {
		n, err := strconv.Atoi(*cursor)
		if err != nil {
			return nil, err
		}
		idx = n
	}
	page := &remote.Page{StartedAt: time.Now().UTC()}
	if idx < len(pages) {
		for _, r := range pages[idx] {
			page.Records = append(page.Records, r.Clone())
		}
	}
	if idx+1 < len(pages) {
		next := strconv.Itoa(idx + 1)
		page.NextCursor = &next
	}
	return page, nil
}

// Subscribe implements remote.Client.
func (c *Client) Subscribe(ctx context.Context, entity string) (remote.Subscription, error) {
	c.mu.Lock()
	if err := c.subErr[entity]; err != nil {
		c.mu.Unlock()
		return nil, err
	}
	sub := &Subscription{
		records: make(chan *record.Record, 1024),
		errs:    make(chan error, 16),
	}
	c.subs[entity] = append(c.subs[entity], sub)
	c.mu.Unlock()

	select {
	case c.subscribe <- entity:
	default:
	}
	go func() {
		<-ctx.Done()
		_ = sub.Close()
	}()
	return sub, nil
}

// Calls returns the number of ListPage calls for entity.
func (c *Client) Calls(entity string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[entity]
}

// Cursors returns the cursors passed to ListPage for entity; "" stands for nil.
func (c *Client) Cursors(entity string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.cursors[entity]...)
}

// Limits returns the page limits passed to ListPage for entity.
func (c *Client) Limits(entity string) []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.limits[entity]...)
}

// Subscriptions returns the subscriptions opened for entity.
func (c *Client) Subscriptions(entity string) []*Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Subscription(nil), c.subs[entity]...)
}

// Subscribed returns a channel receiving the entity name of every Subscribe call.
func (c *Client) Subscribed() <-chan string {
	return c.subscribe
}

// Push delivers rec to every open subscription for entity and reports
// whether any received it.
func (c *Client) Push(entity string, rec *record.Record) bool {
	delivered := false
	for _, sub := range c.Subscriptions(entity) {
		if sub.Push(rec) {
			delivered = true
		}
	}
	return delivered
}

// Subscription is a scripted remote.Subscription.
type Subscription struct {
	mu      sync.Mutex
	closed  bool
	records chan *record.Record
	errs    chan error
}

func (s *Subscription) Records() <-chan *record.Record { return s.records }
func (s *Subscription) Errors() <-chan error           { return s.errs }

// Push delivers rec unless the subscription is closed.
func (s *Subscription) Push(rec *record.Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.records <- rec.Clone()
	return true
}

// PushError reports err on the error channel.
func (s *Subscription) PushError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.errs <- err:
	default:
	}
}

// Closed reports whether Close was called.
func (s *Subscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.records)
	}
	return nil
}

var _ remote.Client = (*Client)(nil)
