package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"koormatics.org/internal/stream"
)

// fakeConn feeds scripted messages to the read loop and then fails.
type fakeConn struct {
	mu       sync.Mutex
	messages [][]byte
	closed   bool
	unblock  chan struct{}
}

func newFakeConn(messages ...[]byte) *fakeConn {
	return &fakeConn{messages: messages, unblock: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	if len(c.messages) > 0 {
		msg := c.messages[0]
		c.messages = c.messages[1:]
		c.mu.Unlock()
		return websocket.TextMessage, msg, nil
	}
	c.mu.Unlock()
	<-c.unblock
	return 0, nil, errors.New("connection lost")
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.unblock)
	}
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition not reached in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestManagerConnectsAndDeliversEvents(t *testing.T) {
	events := stream.New()
	payload, _ := json.Marshal(stream.ChangeEvent{Table: "trips", Action: "UPDATE", RecordID: "t1"})
	conn := newFakeConn(payload)

	var received []stream.ChangeEvent
	var mu sync.Mutex
	m := NewManager(func(context.Context) (Conn, error) { return conn, nil }, events,
		WithBackoff(time.Millisecond, 2*time.Millisecond),
		WithEventHook(func(evt stream.ChangeEvent) {
			mu.Lock()
			received = append(received, evt)
			mu.Unlock()
		}),
	)

	m.Start(context.Background())
	defer m.Stop()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})
	mu.Lock()
	if received[0].Table != "trips" || received[0].RecordID != "t1" {
		t.Fatalf("unexpected event: %+v", received[0])
	}
	mu.Unlock()

	st := m.Status()
	if !st.Connected || st.SocketState != StateConnected {
		t.Fatalf("expected connected status, got %+v", st)
	}
	if st.LastPing.IsZero() {
		t.Fatal("last ping must be stamped on message receive")
	}
}

func TestManagerRetryCountDisplayCap(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	m := NewManager(func(context.Context) (Conn, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return nil, errors.New("refused")
	}, nil, WithBackoff(time.Millisecond, time.Millisecond))

	m.Start(context.Background())
	defer m.Stop()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts > displayRetryCap+3
	})

	st := m.Status()
	if st.RetryCount != displayRetryCap {
		t.Fatalf("displayed retries must cap at %d, got %d", displayRetryCap, st.RetryCount)
	}
	if st.Connected || st.SocketState == StateConnected {
		t.Fatalf("must not report connected: %+v", st)
	}
	if st.LastAttempt.IsZero() {
		t.Fatal("last attempt must be stamped")
	}
}

func TestManagerForceReconnectRedials(t *testing.T) {
	var dials int
	var mu sync.Mutex
	m := NewManager(func(context.Context) (Conn, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return newFakeConn(), nil
	}, nil, WithBackoff(time.Hour, time.Hour)) // backoff long enough to prove the early wake

	m.Start(context.Background())
	defer m.Stop()

	waitFor(t, func() bool { return m.Status().Connected })
	m.ForceReconnect()
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dials >= 2
	})
}

func TestEnableRealtimeForTable(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewManager(nil, nil, WithAdminURL(srv.URL), WithHTTPClient(srv.Client()))
	if !m.EnableRealtimeForTable(context.Background(), "trips") {
		t.Fatal("expected success")
	}
	if gotBody != `{"table":"trips"}` {
		t.Fatalf("unexpected body: %s", gotBody)
	}

	if m.EnableRealtimeForTable(context.Background(), "") {
		t.Fatal("empty table must fail fast")
	}
}

func TestEnableRealtimeForTableFailureIsSoft(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := NewManager(nil, nil, WithAdminURL(srv.URL), WithHTTPClient(srv.Client()))
	if m.EnableRealtimeForTable(context.Background(), "trips") {
		t.Fatal("expected soft failure")
	}
}
