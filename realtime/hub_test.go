package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanworks/prospector/bus"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	// Broadcast and connection handling are exercised directly; the bus
	// subscription belongs to Run and is not needed here.
	h := NewHub(nil, 50*time.Millisecond, logger)
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readFrame reads one text frame into a generic map.
func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestHandlerSendsConnectedFrame(t *testing.T) {
	h, srv := newTestHub(t)
	conn := dial(t, srv)

	frame := readFrame(t, conn)
	assert.Equal(t, "connected", frame["type"])
	assert.NotEmpty(t, frame["clientId"])

	require.Eventually(t, func() bool { return h.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestPingPong(t *testing.T) {
	_, srv := newTestHub(t)
	conn := dial(t, srv)
	readFrame(t, conn) // connected

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))

	frame := readFrame(t, conn)
	assert.Equal(t, "pong", frame["type"])
}

func TestBroadcastReachesAllClients(t *testing.T) {
	h, srv := newTestHub(t)

	conn1 := dial(t, srv)
	conn2 := dial(t, srv)
	readFrame(t, conn1)
	readFrame(t, conn2)

	ev, err := bus.NewEvent(bus.EventAnalysisCompleted, "p-1", nil)
	require.NoError(t, err)
	h.broadcast(ev)

	for _, conn := range []*websocket.Conn{conn1, conn2} {
		frame := readFrame(t, conn)
		assert.Equal(t, string(bus.EventAnalysisCompleted), frame["type"])
		assert.Equal(t, "p-1", frame["projectId"])
	}
}

func TestSubscribeFiltersByProject(t *testing.T) {
	h, srv := newTestHub(t)
	conn := dial(t, srv)
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":       "subscribe",
		"projectIds": []string{"p-wanted"},
	}))

	// The filter applies asynchronously via the read loop.
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, c := range h.clients {
			c.filterMu.RLock()
			n := len(c.projects)
			c.filterMu.RUnlock()
			return n == 1
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	filtered, err := bus.NewEvent(bus.EventAnalysisProgress, "p-other", nil)
	require.NoError(t, err)
	h.broadcast(filtered)

	wanted, err := bus.NewEvent(bus.EventAnalysisProgress, "p-wanted", nil)
	require.NoError(t, err)
	h.broadcast(wanted)

	// Only the matching event arrives.
	frame := readFrame(t, conn)
	assert.Equal(t, "p-wanted", frame["projectId"])
}

func TestSubscribeFiltersByEventType(t *testing.T) {
	h, srv := newTestHub(t)
	conn := dial(t, srv)
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":       "subscribe",
		"eventTypes": []string{string(bus.EventAnalysisCompleted)},
	}))

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, c := range h.clients {
			c.filterMu.RLock()
			n := len(c.types)
			c.filterMu.RUnlock()
			return n == 1
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	progress, err := bus.NewEvent(bus.EventAnalysisProgress, "p-1", nil)
	require.NoError(t, err)
	h.broadcast(progress)

	completed, err := bus.NewEvent(bus.EventAnalysisCompleted, "p-1", nil)
	require.NoError(t, err)
	h.broadcast(completed)

	frame := readFrame(t, conn)
	assert.Equal(t, string(bus.EventAnalysisCompleted), frame["type"])
}

func TestUnsubscribeClearsFilter(t *testing.T) {
	c := &client{}
	c.setFilter([]string{"p-1"}, []string{"analysis:progress"})

	ev, err := bus.NewEvent(bus.EventProjectAdded, "p-2", nil)
	require.NoError(t, err)
	assert.False(t, c.matches(ev))

	c.setFilter(nil, nil)
	assert.True(t, c.matches(ev))
}

func TestMatchesEmptyFilterMeansAll(t *testing.T) {
	c := &client{}

	for _, et := range []bus.EventType{bus.EventProjectAdded, bus.EventAnalysisFailed} {
		ev, err := bus.NewEvent(et, "any", nil)
		require.NoError(t, err)
		assert.True(t, c.matches(ev))
	}
}

func TestDroppedClientRemoved(t *testing.T) {
	h, srv := newTestHub(t)
	conn := dial(t, srv)
	readFrame(t, conn)

	require.Eventually(t, func() bool { return h.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool { return h.ClientCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestShutdownSendsNormalClosure(t *testing.T) {
	h, srv := newTestHub(t)
	conn := dial(t, srv)
	readFrame(t, conn)

	require.Eventually(t, func() bool { return h.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	h.shutdown()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)

	// New connections are refused after shutdown.
	assert.Zero(t, h.ClientCount())
}

func TestRunForwardsLifecycleEventsOnly(t *testing.T) {
	ns, err := natsserver.NewServer(&natsserver.Options{Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go ns.Start()
	require.True(t, ns.ReadyForConnections(5*time.Second))
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	busClient, err := bus.Connect(ns.ClientURL(), bus.WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(busClient.Close)

	h := NewHub(busClient, time.Minute, logger)
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)

	conn := dial(t, srv)
	readFrame(t, conn) // connected

	raw, err := bus.NewEvent(bus.EventPathAdded, "", bus.DiscoveryData{Path: "/repos/demo"})
	require.NoError(t, err)
	enriched, err := bus.NewEvent(bus.EventProjectAdded, "p-1", bus.DiscoveryData{Path: "/repos/demo"})
	require.NoError(t, err)

	// The subscription comes up asynchronously inside Run; republish until
	// a frame lands. Raw path events are never part of the hub's
	// subscription, so whichever frame arrives first must be enriched.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			_ = busClient.Publish(raw)
			_ = busClient.Publish(enriched)
			time.Sleep(50 * time.Millisecond)
		}
	}()

	frame := readFrame(t, conn)
	assert.Equal(t, string(bus.EventProjectAdded), frame["type"])
	assert.Equal(t, "p-1", frame["projectId"])
}

func TestKeepalivePingsClient(t *testing.T) {
	_, srv := newTestHub(t)
	conn := dial(t, srv)
	readFrame(t, conn)

	pinged := make(chan struct{}, 1)
	conn.SetPingHandler(func(string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return nil
	})

	// Ping handlers only run during reads.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pinged:
	case <-time.After(5 * time.Second):
		t.Fatal("keepalive ping never arrived")
	}
}
