package wsconn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// testServer upgrades every incoming connection and lets the test
// control, per accepted connection, how long the server keeps it open
// before closing it. connects records the acceptance time of each
// connection in order.
type testServer struct {
	srv      *httptest.Server
	holdOpen chan time.Duration
	connects chan time.Time
}

func newTestServer() *testServer {
	ts := &testServer{
		holdOpen: make(chan time.Duration, 32),
		connects: make(chan time.Time, 32),
	}
	upgrader := websocket.Upgrader{}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ts.connects <- time.Now()
		time.Sleep(<-ts.holdOpen)
	}))
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *testServer) close() { ts.srv.Close() }

func (ts *testServer) awaitConnect(t *testing.T) time.Time {
	t.Helper()
	select {
	case tm := <-ts.connects:
		return tm
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connect")
		return time.Time{}
	}
}

func TestBackoffGrowsOnRepeatedDisconnects(t *testing.T) {
	ts := newTestServer()
	defer ts.close()
	for i := 0; i < 4; i++ {
		ts.holdOpen <- 0
	}

	conn := New(Config{
		URL:               ts.wsURL(),
		ReconnectMin:      20 * time.Millisecond,
		ReconnectMax:      2 * time.Second,
		StabilityDuration: 10 * time.Second, // far beyond this test's duration
		PingInterval:      time.Second,
		PongTimeout:       time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)

	var connectTimes []time.Time
	for i := 0; i < 4; i++ {
		connectTimes = append(connectTimes, ts.awaitConnect(t))
	}

	gap1 := connectTimes[1].Sub(connectTimes[0])
	gap2 := connectTimes[2].Sub(connectTimes[1])
	gap3 := connectTimes[3].Sub(connectTimes[2])
	if gap2 <= gap1 || gap3 <= gap2 {
		t.Fatalf("expected strictly growing backoff gaps, got %v, %v, %v", gap1, gap2, gap3)
	}
}

func TestBackoffResetsOnlyAfterStableConnection(t *testing.T) {
	ts := newTestServer()
	defer ts.close()
	for i := 0; i < 3; i++ {
		ts.holdOpen <- 0
	}

	conn := New(Config{
		URL:               ts.wsURL(),
		ReconnectMin:      20 * time.Millisecond,
		ReconnectMax:      2 * time.Second,
		StabilityDuration: 150 * time.Millisecond,
		PingInterval:      time.Second,
		PongTimeout:       time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)

	// Three quick failed connects grow the backoff well past ReconnectMin.
	var connectTimes []time.Time
	for i := 0; i < 3; i++ {
		connectTimes = append(connectTimes, ts.awaitConnect(t))
	}
	grownGap := connectTimes[2].Sub(connectTimes[1])
	if grownGap <= 20*time.Millisecond {
		t.Fatalf("expected backoff to have grown above ReconnectMin, gap=%v", grownGap)
	}

	// The next connection is held open past StabilityDuration, so the
	// disconnect that follows should reset the backoff to ReconnectMin.
	const stableHold = 200 * time.Millisecond
	ts.holdOpen <- stableHold
	stableConnectAt := ts.awaitConnect(t)
	ts.holdOpen <- 0 // let the reconnect after the stable period close immediately

	nextConnectAt := ts.awaitConnect(t)
	disconnectedAt := stableConnectAt.Add(stableHold)
	gapAfterStable := nextConnectAt.Sub(disconnectedAt)

	if gapAfterStable >= grownGap {
		t.Fatalf("expected backoff reset after a stable connection: gap after stable=%v, grown gap=%v", gapAfterStable, grownGap)
	}
	if gapAfterStable > 100*time.Millisecond {
		t.Fatalf("expected reconnect close to ReconnectMin after reset, got %v", gapAfterStable)
	}
}
