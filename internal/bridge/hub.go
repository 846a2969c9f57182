package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/stickyrelay/internal/relay"
)

const ConnectPath = "/v1/app/connect"

var ErrConnectionClosed = errors.New("app connection closed")

type HubOptions struct {
	// OriginPatterns lists extra hosts allowed to open browser connections.
	OriginPatterns []string
	// OnConnect runs after a tab's listener is registered.
	OnConnect func(tab relay.TabID)
	Logger    relay.Logger
	ReadLimit int64
}

// Hub keeps one websocket per application tab and implements relay.Transport
// over them. Sends on a connection are serialized so each ack answers the
// envelope written just before it.
type Hub struct {
	opts HubOptions

	mu    sync.Mutex
	conns map[relay.TabID]*appConn
}

type appConn struct {
	tab    relay.TabID
	conn   *websocket.Conn
	sendMu sync.Mutex
	acks   chan relay.Ack
	done   chan struct{}
	once   sync.Once

	// unanswered is set when a caller gave up on an ack before it arrived.
	// Guarded by sendMu.
	unanswered bool
}

func NewHub(opts HubOptions) *Hub {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 1 << 20
	}
	return &Hub{
		opts:  opts,
		conns: map[relay.TabID]*appConn{},
	}
}

// ServeHTTP upgrades GET /v1/app/connect?tabId=N and blocks until the
// connection ends.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tab, err := ParseTabID(r.URL.Query().Get("tabId"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.opts.OriginPatterns,
	})
	if err != nil {
		h.logf("websocket accept for tab %d failed: %v", tab, err)
		return
	}
	conn.SetReadLimit(h.opts.ReadLimit)

	c := &appConn{
		tab:  tab,
		conn: conn,
		acks: make(chan relay.Ack, 1),
		done: make(chan struct{}),
	}
	h.register(c)
	h.logf("application tab %d connected", tab)
	if h.opts.OnConnect != nil {
		h.opts.OnConnect(tab)
	}
	err = c.readLoop(r.Context())
	h.unregister(c)
	h.logf("application tab %d disconnected: %v", tab, err)
}

func (h *Hub) Send(ctx context.Context, tab relay.TabID, msg relay.DeliveryMessage) (relay.Ack, error) {
	h.mu.Lock()
	c, ok := h.conns[tab]
	h.mu.Unlock()
	if !ok {
		return relay.Ack{}, fmt.Errorf("%w: tab %d", relay.ErrNoListener, tab)
	}
	return c.send(ctx, msg)
}

func (h *Hub) Connected(tab relay.TabID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.conns[tab]
	return ok
}

func (h *Hub) Tabs() []relay.TabID {
	h.mu.Lock()
	defer h.mu.Unlock()
	tabs := make([]relay.TabID, 0, len(h.conns))
	for tab := range h.conns {
		tabs = append(tabs, tab)
	}
	return tabs
}

// Close drops every application connection.
func (h *Hub) Close() error {
	h.mu.Lock()
	conns := make([]*appConn, 0, len(h.conns))
	for tab, c := range h.conns {
		conns = append(conns, c)
		delete(h.conns, tab)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.close(websocket.StatusGoingAway, "relay shutting down")
	}
	return nil
}

func (h *Hub) register(c *appConn) {
	h.mu.Lock()
	previous := h.conns[c.tab]
	h.conns[c.tab] = c
	h.mu.Unlock()
	if previous != nil {
		previous.close(websocket.StatusPolicyViolation, "replaced by a newer connection")
	}
}

func (h *Hub) unregister(c *appConn) {
	h.mu.Lock()
	if h.conns[c.tab] == c {
		delete(h.conns, c.tab)
	}
	h.mu.Unlock()
	c.close(websocket.StatusNormalClosure, "")
}

func (h *Hub) logf(format string, args ...any) {
	if h.opts.Logger == nil {
		return
	}
	h.opts.Logger.Printf(format, args...)
}

type ackFrame struct {
	Success *bool `json:"success"`
}

func (c *appConn) readLoop(ctx context.Context) error {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.close(websocket.StatusNormalClosure, "")
			return err
		}
		var frame ackFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Success == nil {
			continue
		}
		select {
		case c.acks <- relay.Ack{Success: *frame.Success}:
		default:
			// Nobody is waiting; an unsolicited ack is dropped.
		}
	}
}

func (c *appConn) send(ctx context.Context, msg relay.DeliveryMessage) (relay.Ack, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.unanswered {
		// The previous envelope's ack is still owed; consume it first.
		if _, err := c.awaitAck(ctx); err != nil {
			return relay.Ack{}, err
		}
		c.unanswered = false
	} else {
		select {
		case <-c.acks:
		default:
		}
	}
	if err := wsjson.Write(ctx, c.conn, msg); err != nil {
		c.close(websocket.StatusInternalError, "write failed")
		return relay.Ack{}, err
	}
	return c.awaitAck(ctx)
}

// awaitAck waits for the next ack. Only an expired deadline drops the
// connection; a cancelled caller leaves it open and the ack is consumed by
// the next send.
func (c *appConn) awaitAck(ctx context.Context) (relay.Ack, error) {
	select {
	case ack := <-c.acks:
		return ack, nil
	case <-c.done:
		return relay.Ack{}, ErrConnectionClosed
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			// A late ack must not answer the next envelope.
			c.close(websocket.StatusPolicyViolation, "acknowledgment timeout")
		} else {
			c.unanswered = true
		}
		return relay.Ack{}, ctx.Err()
	}
}

func (c *appConn) close(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.done)
		go func() {
			_ = c.conn.Close(code, reason)
		}()
	})
}

func ParseTabID(raw string) (relay.TabID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("%w: missing tabId", relay.ErrInvalidInput)
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%w: invalid tabId %q", relay.ErrInvalidInput, raw)
	}
	return relay.TabID(value), nil
}
