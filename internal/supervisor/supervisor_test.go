package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"polymarket-mm/internal/book"
	"polymarket-mm/internal/feed"
	"polymarket-mm/internal/market"
	"polymarket-mm/internal/quorum"
	"polymarket-mm/internal/strategy"
	"polymarket-mm/pkg/clock"
)

// fakeRecorder captures every recorded event, in order, and lets a test
// block until a given count has arrived instead of sleeping.
type fakeRecorder struct {
	mu     sync.Mutex
	events []map[string]any
	notify chan struct{}
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{notify: make(chan struct{}, 64)}
}

func (r *fakeRecorder) Record(event map[string]any) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *fakeRecorder) snapshot() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]map[string]any, len(r.events))
	copy(out, r.events)
	return out
}

func (r *fakeRecorder) awaitCount(t *testing.T, n int) []map[string]any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if ev := r.snapshot(); len(ev) >= n {
			return ev
		}
		select {
		case <-r.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d recorded events, got %d", n, len(r.snapshot()))
		}
	}
}

// --- scenario 5: market-roll resubscription -------------------------------

// bookSubscribeServer upgrades one connection and records every subscribe
// frame the book feed sends, in arrival order.
type bookSubscribeServer struct {
	srv        *httptest.Server
	subscribes chan []string
}

func newBookSubscribeServer() *bookSubscribeServer {
	bs := &bookSubscribeServer{subscribes: make(chan []string, 16)}
	upgrader := websocket.Upgrader{}
	bs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var sub struct {
				AssetsIDs []string `json:"assets_ids"`
			}
			if err := json.Unmarshal(msg, &sub); err == nil {
				bs.subscribes <- sub.AssetsIDs
			}
		}
	}))
	return bs
}

func (bs *bookSubscribeServer) wsURL() string { return "ws" + strings.TrimPrefix(bs.srv.URL, "http") }
func (bs *bookSubscribeServer) close()        { bs.srv.Close() }

func (bs *bookSubscribeServer) await(t *testing.T) []string {
	t.Helper()
	select {
	case ids := <-bs.subscribes:
		return ids
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a subscribe frame")
		return nil
	}
}

func cannedMarketRow(startEpoch, step int64, upToken, downToken string) map[string]any {
	return map[string]any{
		"slug":         fmt.Sprintf("btc-updown-5m-%d", startEpoch),
		"startDate":    time.Unix(startEpoch, 0).UTC().Format(time.RFC3339),
		"endDate":      time.Unix(startEpoch+step, 0).UTC().Format(time.RFC3339),
		"question":     "BTC UP or DOWN",
		"description":  "Resolves based on the BTC/USD price.",
		"outcomes":     []string{"Up", "Down"},
		"clobTokenIds": []string{upToken, downToken},
		"category":     "crypto",
	}
}

func assetSet(ids []string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

func sameAssetSet(got []string, want map[string]bool) bool {
	if len(got) != len(want) {
		return false
	}
	for _, id := range got {
		if !want[id] {
			return false
		}
	}
	return true
}

// TestMarketRollTriggersTwoOrderedResubscribes drives refreshMarkets across
// a simulated minute boundary and asserts the book feed is resubscribed
// exactly twice, with the new epoch's tokens each time, in order (spec.md
// §8 market-roll scenario).
func TestMarketRollTriggersTwoOrderedResubscribes(t *testing.T) {
	wsSrv := newBookSubscribeServer()
	defer wsSrv.close()

	const step = int64(300) // 5 minute horizon
	base := (time.Now().Unix() / step) * step
	epoch0, epoch1, epoch2 := base, base+step, base+2*step

	rows := map[string]map[string]any{
		fmt.Sprintf("btc-updown-5m-%d", epoch0): cannedMarketRow(epoch0, step, "tok-e0-up", "tok-e0-down"),
		fmt.Sprintf("btc-updown-5m-%d", epoch1): cannedMarketRow(epoch1, step, "tok-e1-up", "tok-e1-down"),
		fmt.Sprintf("btc-updown-5m-%d", epoch2): cannedMarketRow(epoch2, step, "tok-e2-up", "tok-e2-down"),
	}
	httpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slug := r.URL.Query().Get("slug")
		row, ok := rows[slug]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode([]map[string]any{row})
	}))
	defer httpSrv.Close()

	fc := clock.NewFake(time.Unix(epoch0+10, 0))

	catalog := market.NewCatalog(market.CatalogConfig{
		BaseURL:          httpSrv.URL,
		UnderlyingTerms:  []string{"btc", "usd"},
		BannedCategories: map[string]bool{},
		Clock:            fc,
	})
	defer catalog.Close()

	bookFeed := book.New(book.Config{
		URL:                        wsSrv.wsURL(),
		ReconnectDelayMin:          10 * time.Millisecond,
		ReconnectDelayMax:          50 * time.Millisecond,
		ReconnectStabilityDuration: time.Second,
		PingInterval:               5 * time.Second,
		PongTimeout:                5 * time.Second,
		Clock:                      fc,
	})

	sup := &Supervisor{
		cfg: Config{
			ClobResubscribeDebounce: 30 * time.Millisecond,
			MarketRefreshHorizons:   []int{5},
			Clock:                   fc,
			Logger:                  slog.Default(),
		},
		book:             bookFeed,
		catalog:          catalog,
		strategy:         strategy.New(strategy.Config{Clock: fc}),
		currentTokenIDs:  make(map[string]struct{}),
		resubscribeEvent: make(chan struct{}, 1),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.consumeBook(ctx)

	wsSrv.await(t) // initial on-connect subscribe, not under test

	sup.refreshMarkets(ctx, fc.Now())
	first := wsSrv.await(t)
	wantFirst := assetSet([]string{"tok-e0-up", "tok-e0-down", "tok-e1-up", "tok-e1-down"})
	if !sameAssetSet(first, wantFirst) {
		t.Fatalf("first resubscribe assets = %v, want %v", first, wantFirst)
	}

	fc.Set(time.Unix(epoch1+10, 0))
	sup.refreshMarkets(ctx, fc.Now())
	second := wsSrv.await(t)
	wantSecond := assetSet([]string{"tok-e1-up", "tok-e1-down", "tok-e2-up", "tok-e2-down"})
	if !sameAssetSet(second, wantSecond) {
		t.Fatalf("second resubscribe assets = %v, want %v", second, wantSecond)
	}

	select {
	case extra := <-wsSrv.subscribes:
		t.Fatalf("expected exactly two resubscribe calls, got an extra one: %v", extra)
	case <-time.After(150 * time.Millisecond):
	}
}

// --- scenario 6: oracle -> fallback -> oracle source ordering ------------

type oracleTestServer struct {
	srv  *httptest.Server
	send chan []byte
}

func newOracleTestServer() *oracleTestServer {
	ts := &oracleTestServer{send: make(chan []byte, 8)}
	upgrader := websocket.Upgrader{}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for msg := range ts.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}))
	return ts
}

func (ts *oracleTestServer) wsURL() string { return "ws" + strings.TrimPrefix(ts.srv.URL, "http") }
func (ts *oracleTestServer) close()        { close(ts.send); ts.srv.Close() }

func oracleFrame(topic, symbol string, price, ts float64) []byte {
	b, _ := json.Marshal(map[string]any{
		"topic":     topic,
		"symbol":    symbol,
		"price":     price,
		"timestamp": ts,
	})
	return b
}

// TestOracleFallbackOracleSourceOrdering drives a real OracleFeed and
// FallbackFeed against fake local servers and asserts that recorded price
// events carry source tags in the exact oracle -> fallback -> oracle
// sequence the feeds produced them in (spec.md §8 fallback-ordering
// scenario).
func TestOracleFallbackOracleSourceOrdering(t *testing.T) {
	oracleSrv := newOracleTestServer()
	defer oracleSrv.close()

	fallbackBody := map[string]any{"price": 100.5, "timestamp": float64(time.Now().Unix())}
	var fallbackMu sync.Mutex
	fallbackSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fallbackMu.Lock()
		body := fallbackBody
		fallbackMu.Unlock()
		json.NewEncoder(w).Encode(body)
	}))
	defer fallbackSrv.Close()

	fc := clock.NewFake(time.Now())

	oracleFeed := feed.NewOracleFeed(feed.OracleConfig{
		URL:                     oracleSrv.wsURL(),
		Symbol:                  "BTCUSD",
		OracleTopic:             "rtds",
		SpotTopic:               "rtds-spot",
		ReconnectDelayMin:       10 * time.Millisecond,
		ReconnectDelayMax:       50 * time.Millisecond,
		PingInterval:            5 * time.Second,
		PongTimeout:             5 * time.Second,
		PriceStalenessThreshold: time.Hour,
		Clock:                   fc,
	}, nil)

	fallbackFeed := feed.NewFallbackFeed(feed.FallbackConfig{
		URL:          fallbackSrv.URL,
		PollInterval: 200 * time.Millisecond,
		Clock:        fc,
	})

	recorder := newFakeRecorder()
	sup := &Supervisor{
		cfg:       Config{Clock: fc, Logger: slog.Default()},
		oracle:    oracleFeed,
		fallback:  fallbackFeed,
		quorumMon: quorum.New(quorum.Config{ChainlinkMaxLagSeconds: 1e9, SpotMaxLagSeconds: 1e9, MinSpotSources: 1, Clock: fc}),
		strategy:  strategy.New(strategy.Config{Clock: fc, PriceStaleAfterSeconds: 1e9}),
		recorder:  recorder,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.consumeOracle(ctx)

	now := float64(fc.Now().Unix())
	oracleSrv.send <- oracleFrame("rtds", "BTCUSD", 100, now)
	recorder.awaitCount(t, 1)

	go sup.consumeFallback(ctx)
	recorder.awaitCount(t, 2)

	oracleSrv.send <- oracleFrame("rtds", "BTCUSD", 101, now+1)
	events := recorder.awaitCount(t, 3)

	var sources []string
	for _, e := range events[:3] {
		src, _ := e["source"].(string)
		sources = append(sources, src)
	}
	want := []string{feed.SourceOracle, feed.SourceSpotFallback, feed.SourceOracle}
	for i := range want {
		if sources[i] != want[i] {
			t.Fatalf("source sequence = %v, want %v", sources, want)
		}
	}
}
