// Package realtime streams tenant-scoped events to dashboard clients over
// Server-Sent Events.
//
// Frames are written as
//
//	event: <type>
//	data: <json>
//
// followed by a blank line. Every connection first receives "hello" with its
// id, then a "ping" on each heartbeat. Those two types are reserved.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatfabric/internal/metrics"
	"chatfabric/pkg/logx"
)

const (
	EventHello = "hello"
	EventPing  = "ping"
)

var (
	ErrReservedEvent = errors.New("event type is reserved")
	ErrEmptyTenant   = errors.New("tenant is required")
	ErrHubStopped    = errors.New("hub stopped")
	errConnClosed    = errors.New("connection closed")
	errSlowConsumer  = errors.New("outbound queue full")
)

type Config struct {
	Heartbeat time.Duration
	// Relay, when set, carries emitted events to other instances.
	Relay Relay
	// InstanceID tags relayed events so an instance ignores its own.
	InstanceID string
	// QueueSize bounds the frames waiting per connection. A connection whose
	// queue is full is dropped.
	QueueSize int
	// WriteTimeout bounds one frame write on HTTP streams.
	WriteTimeout time.Duration
}

// Conn is one open event stream. Frames are queued and written by the
// connection's own goroutine, so a slow client never holds up the hub.
type Conn struct {
	ID     string
	Tenant string

	w       io.Writer
	rc      *http.ResponseController
	timeout time.Duration
	out     chan []byte

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	exited chan struct{}
}

// Done is closed when the hub drops the connection.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) enqueue(frame []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.out <- frame:
		return nil
	default:
		return errSlowConsumer
	}
}

// writeLoop drains the queue until the connection closes or a write fails.
func (c *Conn) writeLoop(fail func(error)) {
	defer close(c.exited)
	for {
		select {
		case <-c.done:
			return
		case f := <-c.out:
			if err := c.write(f); err != nil {
				fail(err)
				return
			}
		}
	}
}

func (c *Conn) write(frame []byte) error {
	if c.rc != nil {
		_ = c.rc.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	if _, err := c.w.Write(frame); err != nil {
		return err
	}
	if c.rc != nil {
		return c.rc.Flush()
	}
	if f, ok := c.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

type Hub struct {
	cfg Config
	log logx.Logger

	mu       sync.RWMutex
	conns    map[string]*Conn
	byTenant map[string]map[string]*Conn
	stopped  bool

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func NewHub(cfg Config, log logx.Logger) *Hub {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 25 * time.Second
	}
	if strings.TrimSpace(cfg.InstanceID) == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Hub{
		cfg:      cfg,
		log:      log.With(logx.Component("realtime")),
		conns:    map[string]*Conn{},
		byTenant: map[string]map[string]*Conn{},
		stopCh:   make(chan struct{}),
	}
}

func (h *Hub) InstanceID() string { return h.cfg.InstanceID }

func frame(eventType string, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return formatFrame(eventType, payload), nil
}

func formatFrame(eventType string, payload []byte) []byte {
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, payload))
}

// Connect registers w for tenant and queues the hello frame. Frames are
// written asynchronously; w must stay usable until the connection is done.
func (h *Hub) Connect(tenant string, w io.Writer) (*Conn, error) {
	tenant = strings.TrimSpace(tenant)
	if tenant == "" {
		return nil, ErrEmptyTenant
	}
	c := &Conn{
		ID:      uuid.NewString(),
		Tenant:  tenant,
		w:       w,
		timeout: h.cfg.WriteTimeout,
		out:     make(chan []byte, h.cfg.QueueSize),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	if rw, ok := w.(http.ResponseWriter); ok {
		c.rc = http.NewResponseController(rw)
	}

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil, ErrHubStopped
	}
	h.conns[c.ID] = c
	set := h.byTenant[tenant]
	if set == nil {
		set = map[string]*Conn{}
		h.byTenant[tenant] = set
	}
	set[c.ID] = c
	h.mu.Unlock()
	metrics.RealtimeConnections.Inc()

	hello, _ := frame(EventHello, map[string]string{"connectionId": c.ID, "tenant": tenant})
	_ = c.enqueue(hello)
	go c.writeLoop(func(err error) {
		h.log.Debug("write failed; dropping connection", logx.String("conn", c.ID), logx.Err(err))
		h.Disconnect(c.ID)
	})
	metrics.RealtimeEvents.WithLabelValues(EventHello).Inc()
	h.log.Debug("client connected", logx.String("conn", c.ID), logx.String("tenant", tenant))
	return c, nil
}

// Disconnect removes and closes a connection. Unknown ids are ignored.
func (h *Hub) Disconnect(id string) bool {
	h.mu.Lock()
	c, ok := h.conns[id]
	if ok {
		delete(h.conns, id)
		if set := h.byTenant[c.Tenant]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(h.byTenant, c.Tenant)
			}
		}
	}
	h.mu.Unlock()
	if !ok {
		return false
	}
	c.close()
	metrics.RealtimeConnections.Dec()
	h.log.Debug("client disconnected", logx.String("conn", id), logx.String("tenant", c.Tenant))
	return true
}

// Emit writes an event to every local connection of tenant and hands it to
// the relay. It returns the number of local deliveries. Reserved types and
// events without a tenant are dropped.
func (h *Hub) Emit(eventType, tenant string, data any) int {
	n, err := h.Publish(context.Background(), eventType, tenant, data)
	if err != nil {
		h.log.Debug("event dropped", logx.String("type", eventType), logx.String("tenant", tenant), logx.Err(err))
	}
	return n
}

// Publish is Emit with the rejection reason returned.
func (h *Hub) Publish(ctx context.Context, eventType, tenant string, data any) (int, error) {
	if eventType == EventHello || eventType == EventPing {
		return 0, ErrReservedEvent
	}
	if strings.TrimSpace(eventType) == "" {
		return 0, errors.New("event type is required")
	}
	if strings.TrimSpace(tenant) == "" {
		return 0, ErrEmptyTenant
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", eventType, err)
	}
	n := h.deliver(eventType, tenant, payload)

	if h.cfg.Relay != nil {
		rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		env := Envelope{Origin: h.cfg.InstanceID, Type: eventType, Tenant: tenant, Data: payload}
		if err := h.cfg.Relay.Publish(rctx, env); err != nil {
			h.log.Warn("relay publish failed", logx.String("type", eventType), logx.Err(err))
		}
	}
	return n, nil
}

// deliver queues to local connections only. A connection that cannot take
// the frame is dropped.
func (h *Hub) deliver(eventType, tenant string, payload []byte) int {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.byTenant[tenant]))
	for _, c := range h.byTenant[tenant] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	f := formatFrame(eventType, payload)
	n := 0
	for _, c := range targets {
		if err := c.enqueue(f); err != nil {
			h.log.Debug("dropping connection", logx.String("conn", c.ID), logx.Err(err))
			h.Disconnect(c.ID)
			continue
		}
		n++
	}
	if n > 0 {
		metrics.RealtimeEvents.WithLabelValues(eventType).Add(float64(n))
	}
	return n
}

// Count returns the open connections of tenant.
func (h *Hub) Count(tenant string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byTenant[tenant])
}

func (h *Hub) Total() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Start runs the heartbeat until Stop.
func (h *Hub) Start(ctx context.Context) error {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		t := time.NewTicker(h.cfg.Heartbeat)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stopCh:
				return
			case now := <-t.C:
				h.heartbeat(now)
			}
		}
	}()
	return nil
}

func (h *Hub) heartbeat(now time.Time) {
	h.mu.RLock()
	all := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		all = append(all, c)
	}
	h.mu.RUnlock()

	ping, _ := frame(EventPing, map[string]int64{"ts": now.UnixMilli()})
	for _, c := range all {
		if err := c.enqueue(ping); err != nil {
			h.Disconnect(c.ID)
		}
	}
	metrics.RealtimeEvents.WithLabelValues(EventPing).Add(float64(len(all)))
}

// Stop ends the heartbeat and closes every connection.
func (h *Hub) Stop(ctx context.Context) error {
	h.once.Do(func() { close(h.stopCh) })
	h.mu.Lock()
	h.stopped = true
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	for _, id := range ids {
		h.Disconnect(id)
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunRelay consumes events from other instances until ctx ends. It returns
// nil when no relay is configured.
func (h *Hub) RunRelay(ctx context.Context) error {
	if h.cfg.Relay == nil {
		return nil
	}
	return h.cfg.Relay.Subscribe(ctx, func(env Envelope) {
		if env.Origin == h.cfg.InstanceID {
			return
		}
		if env.Type == EventHello || env.Type == EventPing || env.Tenant == "" {
			return
		}
		h.deliver(env.Type, env.Tenant, env.Data)
	})
}
