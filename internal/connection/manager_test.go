package connection

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/embedctl/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

type wsServer struct {
	srv      *httptest.Server
	upgrades atomic.Int32
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// holdOpen keeps the connection open until the client goes away.
func holdOpen(_ int32, c *websocket.Conn) {
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}

func newWSServer(t *testing.T, onConn func(n int32, c *websocket.Conn)) *wsServer {
	t.Helper()
	s := &wsServer{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		onConn(s.upgrades.Add(1), c)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func newManager(t *testing.T, url string, opts ...Option) *Manager {
	t.Helper()
	m := New(url, opts...)
	t.Cleanup(m.Close)
	return m
}

func TestConnect_DeliversMessages(t *testing.T) {
	s := newWSServer(t, func(n int32, c *websocket.Conn) {
		_ = c.WriteMessage(websocket.TextMessage, []byte(`not json`))
		_ = c.WriteJSON(map[string]any{"type": "task_complete", "task_id": "t1", "result": []float64{1, 2}})
		holdOpen(n, c)
	})
	m := newManager(t, s.url())

	got := make(chan Message, 4)
	unsubscribe := m.Subscribe(func(msg Message) { got <- msg })
	defer unsubscribe()

	require.NoError(t, m.Connect(context.Background()))
	assert.True(t, m.Connected())

	select {
	case msg := <-got:
		assert.Equal(t, "t1", msg.TaskID)
		assert.Equal(t, "task_complete", msg.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
	}
	select {
	case msg := <-got:
		t.Fatalf("malformed frame was delivered: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnect_ConcurrentCallersShareOneDial(t *testing.T) {
	s := newWSServer(t, holdOpen)
	m := newManager(t, s.url())

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Connect(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), s.upgrades.Load())
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, int32(1), s.upgrades.Load())
}

func TestReconnectDelay_NonDecreasing(t *testing.T) {
	m := New("ws://unused", WithReconnect(100*time.Millisecond, 5))
	prev := time.Duration(0)
	for attempt := 1; attempt <= 5; attempt++ {
		d := m.ReconnectDelay(attempt)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
	assert.Equal(t, 300*time.Millisecond, m.ReconnectDelay(3))
}

func TestReconnect_AfterAbnormalClose(t *testing.T) {
	s := newWSServer(t, func(n int32, c *websocket.Conn) {
		if n == 1 {
			// Drop the TCP connection without a close frame.
			_ = c.UnderlyingConn().Close()
			return
		}
		holdOpen(n, c)
	})
	m := newManager(t, s.url(), WithReconnect(10*time.Millisecond, 5))

	require.NoError(t, m.Connect(context.Background()))

	assert.Eventually(t, func() bool {
		return s.upgrades.Load() == 2 && m.Connected()
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, m.Attempts())
}

func TestNormalClosure_NoReconnect(t *testing.T) {
	s := newWSServer(t, func(n int32, c *websocket.Conn) {
		_ = c.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		holdOpen(n, c)
	})
	m := newManager(t, s.url(), WithReconnect(10*time.Millisecond, 5))

	require.NoError(t, m.Connect(context.Background()))
	assert.Eventually(t, func() bool { return m.State() == StateClosed }, 2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), s.upgrades.Load())
	assert.Equal(t, StateClosed, m.State())
}

func TestDialFailure_StopsAfterBudget(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	m := newManager(t, url, WithReconnect(5*time.Millisecond, 2))

	err := m.Connect(context.Background())
	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, url, cerr.URL)

	assert.Eventually(t, func() bool { return m.Attempts() == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, m.Attempts())
	assert.Equal(t, StateDisconnected, m.State())
}

func TestDisconnect_NoReconnect(t *testing.T) {
	s := newWSServer(t, holdOpen)
	m := newManager(t, s.url(), WithReconnect(10*time.Millisecond, 5))

	require.NoError(t, m.Connect(context.Background()))
	m.Disconnect()
	assert.Equal(t, StateDisconnected, m.State())
	assert.ErrorIs(t, m.Send(map[string]string{"ping": "x"}), ErrNotConnected)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), s.upgrades.Load())

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, int32(2), s.upgrades.Load())
}

func TestClose_RejectsConnect(t *testing.T) {
	m := New("ws://unused")
	m.Close()
	assert.ErrorIs(t, m.Connect(context.Background()), ErrManagerClosed)
}

func TestStateChangesArePublished(t *testing.T) {
	s := newWSServer(t, holdOpen)
	pub := events.NewPublisher()
	m := newManager(t, s.url(), WithPublisher(pub))

	require.NoError(t, m.Connect(context.Background()))
	m.Disconnect()

	var states []string
	pub.Attach(func(e events.Event) {
		assert.Equal(t, events.ConnectionStateChanged, e.Kind)
		states = append(states, e.Data["state"].(string))
	})
	assert.Equal(t, []string{"connecting", "connected", "disconnected"}, states)
}

func TestNilManagerNotConnected(t *testing.T) {
	var m *Manager
	assert.False(t, m.Connected())
}
