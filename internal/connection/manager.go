// Package connection manages the persistent push channel to the embedding
// service. The channel is an optimization: every caller must keep working
// when it is down.
package connection

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/embedctl/internal/events"
)

// State is the lifecycle state of the push channel.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateClosed       State = "closed"
	StateErrored      State = "errored"
)

const (
	DefaultReconnectBase        = time.Second
	DefaultReconnectMaxAttempts = 5
	handshakeTimeout            = 10 * time.Second
	writeTimeout                = 5 * time.Second
)

// dialAttempt is shared by every caller waiting on the same physical dial.
type dialAttempt struct {
	done chan struct{}
	err  error
}

// Manager owns at most one websocket to the service and reconnects it with
// linear backoff after abnormal closes.
type Manager struct {
	url         string
	header      http.Header
	dialer      *websocket.Dialer
	publisher   *events.Publisher
	logger      *slog.Logger
	baseDelay   time.Duration
	maxAttempts int

	// emitMu orders state-change notifications; it is always taken before mu.
	emitMu sync.Mutex

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	dialing     *dialAttempt
	attempts    int
	timer       *time.Timer
	intentional bool
	closed      bool

	writeMu sync.Mutex

	subsMu  sync.RWMutex
	subs    map[int]func(Message)
	nextSub int
}

// Option configures a Manager.
type Option func(*Manager)

// WithHeader sets headers sent on every dial (API key).
func WithHeader(h http.Header) Option {
	return func(m *Manager) { m.header = h }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(m *Manager) {
		if d != nil {
			m.dialer = d
		}
	}
}

// WithPublisher publishes connection_state_changed events to p.
func WithPublisher(p *events.Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithReconnect sets the backoff base delay and the maximum number of
// consecutive reconnect attempts.
func WithReconnect(base time.Duration, maxAttempts int) Option {
	return func(m *Manager) {
		if base > 0 {
			m.baseDelay = base
		}
		if maxAttempts > 0 {
			m.maxAttempts = maxAttempts
		}
	}
}

// New creates a disconnected manager for the push channel at url.
func New(url string, opts ...Option) *Manager {
	m := &Manager{
		url:         url,
		dialer:      &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		logger:      slog.Default(),
		baseDelay:   DefaultReconnectBase,
		maxAttempts: DefaultReconnectMaxAttempts,
		state:       StateDisconnected,
		subs:        make(map[int]func(Message)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// URL returns the push channel endpoint.
func (m *Manager) URL() string { return m.url }

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether the channel is open. A nil manager is never connected.
func (m *Manager) Connected() bool {
	if m == nil {
		return false
	}
	return m.State() == StateConnected
}

// Attempts returns the number of consecutive reconnect attempts scheduled
// since the last successful connect.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// ReconnectDelay returns the wait before reconnect attempt n (1-based).
func (m *Manager) ReconnectDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return m.baseDelay * time.Duration(attempt)
}

// Connect opens the push channel. It is idempotent: when already connected it
// returns nil, and concurrent callers share the outcome of a single dial.
// An explicit Connect resets the reconnect budget.
func (m *Manager) Connect(ctx context.Context) error {
	return m.connect(ctx, true)
}

func (m *Manager) connect(ctx context.Context, explicit bool) error {
	var own, shared *dialAttempt
	var refused error

	m.transition(func() State {
		if m.closed {
			refused = ErrManagerClosed
			return m.state
		}
		if explicit {
			m.intentional = false
			m.attempts = 0
			m.stopTimerLocked()
		} else if m.intentional {
			refused = ErrDisconnected
			return m.state
		}
		if m.state == StateConnected {
			return m.state
		}
		if m.dialing != nil {
			shared = m.dialing
			return m.state
		}
		own = &dialAttempt{done: make(chan struct{})}
		m.dialing = own
		return StateConnecting
	}, nil)

	switch {
	case refused != nil:
		return refused
	case shared != nil:
		select {
		case <-shared.done:
			return shared.err
		case <-ctx.Done():
			return ctx.Err()
		}
	case own == nil:
		return nil
	}

	conn, _, err := m.dialer.DialContext(ctx, m.url, m.header)
	m.finishDial(own, conn, err)
	return own.err
}

func (m *Manager) finishDial(a *dialAttempt, conn *websocket.Conn, err error) {
	defer close(a.done)

	if err != nil {
		cerr := &ConnectionError{URL: m.url, Attempt: m.Attempts(), Err: err}
		a.err = cerr
		m.transition(func() State {
			m.dialing = nil
			return StateErrored
		}, cerr)
		m.transition(func() State {
			m.scheduleReconnectLocked()
			return StateDisconnected
		}, nil)
		return
	}

	var stale error
	m.transition(func() State {
		m.dialing = nil
		switch {
		case m.closed:
			stale = ErrManagerClosed
			return StateDisconnected
		case m.intentional:
			stale = ErrDisconnected
			return StateDisconnected
		}
		m.conn = conn
		m.attempts = 0
		return StateConnected
	}, nil)

	if stale != nil {
		_ = conn.Close()
		a.err = stale
		return
	}
	go m.readLoop(conn)
}

// scheduleReconnectLocked arms the reconnect timer unless the manager was
// stopped on purpose or the attempt budget is spent. Caller holds m.mu.
func (m *Manager) scheduleReconnectLocked() bool {
	if m.closed || m.intentional {
		return false
	}
	if m.attempts >= m.maxAttempts {
		m.logger.Warn("push channel reconnect budget exhausted", "url", m.url, "attempts", m.attempts)
		return false
	}
	m.attempts++
	delay := m.ReconnectDelay(m.attempts)
	m.stopTimerLocked()
	m.timer = time.AfterFunc(delay, m.reconnect)
	m.logger.Debug("push channel reconnect scheduled", "attempt", m.attempts, "delay", delay)
	return true
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) reconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout+time.Second)
	defer cancel()

	err := m.connect(ctx, false)
	if err != nil && !errors.Is(err, ErrDisconnected) && !errors.Is(err, ErrManagerClosed) {
		m.logger.Warn("push channel reconnect failed", "error", err)
	}
}

func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(conn, err)
			return
		}
		m.dispatch(data)
	}
}

func (m *Manager) handleClose(conn *websocket.Conn, err error) {
	normal := websocket.IsCloseError(err, websocket.CloseNormalClosure)

	var owned bool
	m.transition(func() State {
		if m.conn != conn {
			return m.state
		}
		owned = true
		m.conn = nil
		if normal {
			return StateClosed
		}
		return StateErrored
	}, err)
	_ = conn.Close()

	if !owned || normal {
		return
	}
	m.transition(func() State {
		m.scheduleReconnectLocked()
		return StateDisconnected
	}, nil)
}

func (m *Manager) dispatch(data []byte) {
	msg, err := ParseMessage(data)
	if err != nil {
		m.logger.Warn("dropping malformed push frame", "error", err, "size", len(data))
		return
	}

	m.subsMu.RLock()
	subs := make([]func(Message), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.subsMu.RUnlock()

	for _, fn := range subs {
		fn(msg)
	}
}

// Subscribe registers fn for every inbound message. fn runs on the read
// goroutine. The returned function removes the subscription.
func (m *Manager) Subscribe(fn func(Message)) func() {
	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, id)
			m.subsMu.Unlock()
		})
	}
}

// Send writes v as a JSON text frame.
func (m *Manager) Send(v any) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}

// Disconnect closes the channel on purpose. No reconnect is scheduled until
// the next Connect.
func (m *Manager) Disconnect() {
	var conn *websocket.Conn
	m.transition(func() State {
		m.intentional = true
		m.stopTimerLocked()
		conn = m.conn
		m.conn = nil
		return StateDisconnected
	}, nil)
	m.closeConn(conn)
}

// Close disconnects, cancels timers and drops all subscribers. The manager
// cannot be reused.
func (m *Manager) Close() {
	var conn *websocket.Conn
	m.transition(func() State {
		m.closed = true
		m.intentional = true
		m.stopTimerLocked()
		conn = m.conn
		m.conn = nil
		return StateDisconnected
	}, nil)
	m.closeConn(conn)

	m.subsMu.Lock()
	m.subs = make(map[int]func(Message))
	m.subsMu.Unlock()
}

func (m *Manager) closeConn(conn *websocket.Conn) {
	if conn == nil {
		return
	}
	m.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	m.writeMu.Unlock()
	_ = conn.Close()
}

// transition applies fn under the state lock and announces the resulting
// change, if any. Notifications leave in the order the changes were made.
func (m *Manager) transition(fn func() State, cause error) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	from := m.state
	to := fn()
	m.state = to
	m.mu.Unlock()

	if from == to {
		return
	}

	attrs := []any{"url", m.url, "from", from, "to", to}
	if cause != nil {
		attrs = append(attrs, "error", cause)
	}
	m.logger.Info("push channel state changed", attrs...)

	if m.publisher == nil {
		return
	}
	data := map[string]any{"from": string(from), "state": string(to)}
	if cause != nil {
		data["error"] = cause.Error()
	}
	m.publisher.Publish(events.Event{Kind: events.ConnectionStateChanged, Data: data})
}
