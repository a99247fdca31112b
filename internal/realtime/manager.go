package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"koormatics.org/internal/obs"
	"koormatics.org/internal/stream"
)

// State names the connection lifecycle phases.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

// Status is the read-only snapshot consumers poll (every ~2s in the UI).
type Status struct {
	Connected   bool      `json:"is_connected"`
	SocketState State     `json:"websocket_status"`
	RetryCount  int       `json:"retry_count"`
	LastAttempt time.Time `json:"last_attempt"`
	LastPing    time.Time `json:"last_ping"`
}

// displayRetryCap bounds the retry count shown to users; the manager keeps
// retrying with backoff beyond it.
const displayRetryCap = 5

const (
	defaultBaseBackoff = time.Second
	defaultMaxBackoff  = 30 * time.Second
)

// Conn is the minimal websocket surface the manager needs. Satisfied by
// *websocket.Conn.
type Conn interface {
	ReadMessage() (int, []byte, error)
	Close() error
}

// DialFunc establishes a change-feed connection.
type DialFunc func(ctx context.Context) (Conn, error)

// WebsocketDialer dials the given change-feed URL with the gorilla dialer.
func WebsocketDialer(url string) DialFunc {
	return func(ctx context.Context) (Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, fmt.Errorf("dial change feed: %w", err)
		}
		return conn, nil
	}
}

// Manager maintains the live change-feed subscription: a state machine over
// connecting/connected/disconnected/error with capped-display retry
// accounting and exponential backoff. Received events mark the query cache
// and fan out to the SSE stream.
type Manager struct {
	dial        DialFunc
	events      *stream.Stream
	onEvent     func(stream.ChangeEvent)
	adminURL    string
	httpClient  *http.Client
	baseBackoff time.Duration
	maxBackoff  time.Duration

	mu         sync.Mutex
	state      State
	retryCount int
	lastAttempt time.Time
	lastPing   time.Time
	conn       Conn

	reconnect chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option configures the Manager.
type Option func(*Manager)

// WithBackoff overrides the reconnect backoff bounds.
func WithBackoff(base, max time.Duration) Option {
	return func(m *Manager) {
		if base > 0 {
			m.baseBackoff = base
		}
		if max > 0 {
			m.maxBackoff = max
		}
	}
}

// WithAdminURL sets the endpoint used to enable change notification on a
// table.
func WithAdminURL(url string) Option {
	return func(m *Manager) { m.adminURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient overrides the client used for administrative calls.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) {
		if c != nil {
			m.httpClient = c
		}
	}
}

// WithEventHook registers a callback invoked for every received change
// event, after the fan-out.
func WithEventHook(fn func(stream.ChangeEvent)) Option {
	return func(m *Manager) { m.onEvent = fn }
}

// NewManager constructs a manager. The events stream may be nil when no SSE
// fan-out is wanted.
func NewManager(dial DialFunc, events *stream.Stream, opts ...Option) *Manager {
	m := &Manager{
		dial:        dial,
		events:      events,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		baseBackoff: defaultBaseBackoff,
		maxBackoff:  defaultMaxBackoff,
		state:       StateDisconnected,
		reconnect:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the connection loop. It returns immediately; Stop tears the
// loop down.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		m.run(ctx)
	}()
}

// Stop cancels the loop and closes any live connection.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	conn := m.conn
	done := m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
}

// ForceReconnect tears down the current subscription and re-establishes it.
// Wired to the manual "Retry" affordance.
func (m *Manager) ForceReconnect() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	select {
	case m.reconnect <- struct{}{}:
	default:
	}
}

// Status returns a snapshot of the connection state. RetryCount is capped
// at the display limit.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	retries := m.retryCount
	if retries > displayRetryCap {
		retries = displayRetryCap
	}
	return Status{
		Connected:   m.state == StateConnected,
		SocketState: m.state,
		RetryCount:  retries,
		LastAttempt: m.lastAttempt,
		LastPing:    m.lastPing,
	}
}

// EnableRealtimeForTable issues a one-time administrative call enabling
// change notification for a table. Returns success; failures are logged and
// reported, never thrown.
func (m *Manager) EnableRealtimeForTable(ctx context.Context, table string) bool {
	table = strings.TrimSpace(table)
	if table == "" || m.adminURL == "" {
		return false
	}
	payload, _ := json.Marshal(map[string]string{"table": table})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.adminURL+"/realtime/tables", bytes.NewReader(payload))
	if err != nil {
		obs.LogError("realtime", "build enable request", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		obs.LogError("realtime", "enable table "+table, err)
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		obs.LogError("realtime", "enable table "+table, fmt.Errorf("status %d", resp.StatusCode))
		return false
	}
	return true
}

func (m *Manager) run(ctx context.Context) {
	backoff := m.baseBackoff
	for {
		if ctx.Err() != nil {
			m.setState(StateDisconnected)
			return
		}

		m.mu.Lock()
		m.state = StateConnecting
		m.lastAttempt = time.Now().UTC()
		m.mu.Unlock()
		obs.RealtimeReconnect()

		conn, err := m.dial(ctx)
		if err != nil {
			m.failAttempt(err)
			if !m.wait(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, m.maxBackoff)
			continue
		}

		m.mu.Lock()
		m.conn = conn
		m.state = StateConnected
		m.retryCount = 0
		m.lastPing = time.Now().UTC()
		m.mu.Unlock()
		obs.SetRealtimeConnected(true)
		backoff = m.baseBackoff

		m.readLoop(ctx, conn)
		obs.SetRealtimeConnected(false)

		if ctx.Err() != nil {
			m.setState(StateDisconnected)
			return
		}
		m.setState(StateDisconnected)
		if !m.wait(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, m.maxBackoff)
	}
}

func (m *Manager) readLoop(ctx context.Context, conn Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				obs.LogError("realtime", "change feed read", err)
			}
			m.mu.Lock()
			if m.conn == conn {
				m.conn = nil
			}
			m.mu.Unlock()
			_ = conn.Close()
			return
		}

		m.mu.Lock()
		m.lastPing = time.Now().UTC()
		m.mu.Unlock()

		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		var evt stream.ChangeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			obs.LogError("realtime", "decode change event", err)
			continue
		}
		if m.events != nil {
			m.events.Publish(evt)
		}
		if m.onEvent != nil {
			m.onEvent(evt)
		}
	}
}

func (m *Manager) failAttempt(err error) {
	obs.LogError("realtime", "change feed connect", err)
	m.mu.Lock()
	m.state = StateError
	m.retryCount++
	m.mu.Unlock()
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// wait sleeps for the backoff or returns early on a forced reconnect.
// Returns false when the context ended.
func (m *Manager) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-m.reconnect:
		return true
	case <-timer.C:
		return true
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
