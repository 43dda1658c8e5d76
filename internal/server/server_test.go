package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jensholdgaard/bidsync/internal/auction"
	"github.com/jensholdgaard/bidsync/internal/broadcast"
	"github.com/jensholdgaard/bidsync/internal/clock"
	"github.com/jensholdgaard/bidsync/internal/config"
	"github.com/jensholdgaard/bidsync/internal/health"
	"github.com/jensholdgaard/bidsync/internal/protocol"
	"github.com/jensholdgaard/bidsync/internal/room"
	"github.com/jensholdgaard/bidsync/internal/server"
	"github.com/jensholdgaard/bidsync/internal/store"
	"github.com/jensholdgaard/bidsync/internal/store/memstore"
	"github.com/jensholdgaard/bidsync/internal/telemetry"
)

var base = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

const allowedOrigin = "https://bids.example.com"

type testServer struct {
	*httptest.Server
	auctions store.AuctionRepository
	rooms    *room.Registry
	health   *health.Handler
	srv      *server.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	clk := clockwork.NewFakeClockAt(base)
	authority := clock.NewAuthority(clk)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	auctions := memstore.NewAuctionRepo(clk)
	events := memstore.NewEventStore(clk)
	rooms := room.NewRegistry(logger)
	tp := noop.NewTracerProvider()
	metrics := telemetry.NopMetrics()
	healthHandler := health.NewHandler(authority)

	engine := auction.NewEngine(auctions, events, broadcast.NewLocalBus(rooms), authority,
		config.BiddingConfig{MaxRetries: 8}, logger, tp, metrics)

	srv := server.New(
		config.ServerConfig{AllowedOrigins: []string{allowedOrigin}},
		config.WebSocketConfig{
			WriteTimeout:   time.Second,
			ReadTimeout:    5 * time.Second,
			PingInterval:   time.Second,
			MaxMessageSize: 4096,
			SendBuffer:     16,
		},
		server.Deps{
			Engine:         engine,
			Auctions:       auctions,
			Rooms:          rooms,
			Clock:          authority,
			Health:         healthHandler,
			Logger:         logger,
			TracerProvider: tp,
			Metrics:        metrics,
		},
	)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.CloseConnections()
		ts.Close()
	})
	return &testServer{Server: ts, auctions: auctions, rooms: rooms, health: healthHandler, srv: srv}
}

func (ts *testServer) createAuction(t *testing.T, start, end time.Time, price int64) *store.Auction {
	t.Helper()
	a := &store.Auction{
		Title:        "Lot",
		StartTime:    start,
		EndTime:      end,
		CurrentPrice: decimal.NewFromInt(price),
	}
	if err := ts.auctions.Create(context.Background(), a); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return a
}

func (ts *testServer) openAuction(t *testing.T) *store.Auction {
	t.Helper()
	return ts.createAuction(t, base.Add(-time.Minute), base.Add(time.Minute), 100)
}

func (ts *testServer) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (ts *testServer) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func TestTimeSync(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name       string
		method     string
		target     string
		body       string
		wantStatus int
		wantClient int64
	}{
		{name: "number", method: http.MethodPost, target: "/api/time-sync", body: `{"clientTime":1718452800000}`, wantStatus: http.StatusOK, wantClient: 1718452800000},
		{name: "numeric string", method: http.MethodPost, target: "/api/time-sync", body: `{"clientTime":"1718452800123"}`, wantStatus: http.StatusOK, wantClient: 1718452800123},
		{name: "rfc3339", method: http.MethodPost, target: "/api/time-sync", body: `{"clientTime":"2024-06-15T12:00:00.5Z"}`, wantStatus: http.StatusOK, wantClient: 1718452800500},
		{name: "missing", method: http.MethodPost, target: "/api/time-sync", body: `{}`, wantStatus: http.StatusBadRequest},
		{name: "boolean", method: http.MethodPost, target: "/api/time-sync", body: `{"clientTime":true}`, wantStatus: http.StatusBadRequest},
		{name: "malformed body", method: http.MethodPost, target: "/api/time-sync", body: `{"clientTime":`, wantStatus: http.StatusBadRequest},
		{name: "query", method: http.MethodGet, target: "/api/time-sync?clientTime=1718452800000", wantStatus: http.StatusOK, wantClient: 1718452800000},
		{name: "query missing", method: http.MethodGet, target: "/api/time-sync", wantStatus: http.StatusBadRequest},
		{name: "query garbage", method: http.MethodGet, target: "/api/time-sync?clientTime=soon", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp *http.Response
			if tt.method == http.MethodPost {
				resp = ts.post(t, tt.target, tt.body)
			} else {
				resp = ts.get(t, tt.target)
			}
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				body := decode[errorBody](t, resp)
				if body.Kind != string(auction.KindInvalidInput) {
					t.Errorf("kind = %q, want InvalidInput", body.Kind)
				}
				return
			}
			got := decode[clock.SyncResult](t, resp)
			if got.ClientTime != tt.wantClient {
				t.Errorf("clientTime = %d, want %d", got.ClientTime, tt.wantClient)
			}
			if got.ServerTime != base.UnixMilli() {
				t.Errorf("serverTime = %d, want %d", got.ServerTime, base.UnixMilli())
			}
		})
	}
}

func TestSubmitBid(t *testing.T) {
	ts := newTestServer(t)
	open := ts.openAuction(t)
	future := ts.createAuction(t, base.Add(time.Hour), base.Add(2*time.Hour), 100)
	past := ts.createAuction(t, base.Add(-2*time.Hour), base.Add(-time.Hour), 100)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantKind   auction.Kind
	}{
		{name: "unknown auction", body: `{"auctionId":9999,"amount":500}`, wantStatus: http.StatusNotFound, wantKind: auction.KindNotFound},
		{name: "zero amount", body: fmt.Sprintf(`{"auctionId":%d,"amount":0}`, open.ID), wantStatus: http.StatusBadRequest, wantKind: auction.KindInvalidInput},
		{name: "unparseable amount", body: fmt.Sprintf(`{"auctionId":%d,"amount":"lots"}`, open.ID), wantStatus: http.StatusBadRequest, wantKind: auction.KindInvalidInput},
		{name: "unknown auction with non-numeric amount", body: `{"auctionId":9999,"amount":"NaN"}`, wantStatus: http.StatusNotFound, wantKind: auction.KindNotFound},
		{name: "non-numeric amount", body: fmt.Sprintf(`{"auctionId":%d,"amount":"NaN"}`, open.ID), wantStatus: http.StatusBadRequest, wantKind: auction.KindInvalidInput},
		{name: "infinite amount", body: fmt.Sprintf(`{"auctionId":%d,"amount":"Infinity"}`, open.ID), wantStatus: http.StatusBadRequest, wantKind: auction.KindInvalidInput},
		{name: "unknown auction with huge exponent", body: `{"auctionId":9999,"amount":1e200000000}`, wantStatus: http.StatusNotFound, wantKind: auction.KindNotFound},
		{name: "huge exponent", body: fmt.Sprintf(`{"auctionId":%d,"amount":1e200000}`, open.ID), wantStatus: http.StatusBadRequest, wantKind: auction.KindInvalidInput},
		{name: "huge exponent as string", body: fmt.Sprintf(`{"auctionId":%d,"amount":"1e200000000"}`, open.ID), wantStatus: http.StatusBadRequest, wantKind: auction.KindInvalidInput},
		{name: "too many decimal places", body: fmt.Sprintf(`{"auctionId":%d,"amount":"150.0000000000000000001"}`, open.ID), wantStatus: http.StatusBadRequest, wantKind: auction.KindInvalidInput},
		{name: "missing amount", body: fmt.Sprintf(`{"auctionId":%d}`, open.ID), wantStatus: http.StatusBadRequest, wantKind: auction.KindInvalidInput},
		{name: "bad auction id", body: `{"auctionId":"abc","amount":500}`, wantStatus: http.StatusBadRequest, wantKind: auction.KindInvalidInput},
		{name: "not started", body: fmt.Sprintf(`{"auctionId":%d,"amount":500}`, future.ID), wantStatus: http.StatusConflict, wantKind: auction.KindNotStarted},
		{name: "closed", body: fmt.Sprintf(`{"auctionId":%d,"amount":500}`, past.ID), wantStatus: http.StatusConflict, wantKind: auction.KindClosed},
		{name: "too low", body: fmt.Sprintf(`{"auctionId":%d,"amount":100}`, open.ID), wantStatus: http.StatusConflict, wantKind: auction.KindPriceTooLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.post(t, "/api/bids", tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			body := decode[errorBody](t, resp)
			if body.Kind != string(tt.wantKind) {
				t.Errorf("kind = %q, want %q", body.Kind, tt.wantKind)
			}
			if body.Message == "" {
				t.Error("expected a message")
			}
		})
	}

	t.Run("accepted", func(t *testing.T) {
		resp := ts.post(t, "/api/bids", fmt.Sprintf(`{"auctionId":"%d","amount":"150.50","bidderId":"alice"}`, open.ID))
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		got := decode[protocol.BidUpdate](t, resp)
		if got.AuctionID != open.ID {
			t.Errorf("auctionId = %d, want %d", got.AuctionID, open.ID)
		}
		if !got.NewPrice.Equal(decimal.RequireFromString("150.50")) {
			t.Errorf("newPrice = %s, want 150.50", got.NewPrice)
		}
		if got.BidderID != "alice" {
			t.Errorf("bidderId = %q, want alice", got.BidderID)
		}
		if got.ServerTime != base.UnixMilli() {
			t.Errorf("serverTime = %d, want %d", got.ServerTime, base.UnixMilli())
		}

		stored, err := ts.auctions.GetByID(context.Background(), open.ID)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if !stored.CurrentPrice.Equal(decimal.RequireFromString("150.5")) {
			t.Errorf("stored price = %s, want 150.5", stored.CurrentPrice)
		}
	})
}

func TestAuctionEndpoints(t *testing.T) {
	ts := newTestServer(t)
	a := ts.openAuction(t)
	ts.openAuction(t)

	resp := ts.post(t, "/api/bids", fmt.Sprintf(`{"auctionId":%d,"amount":120,"bidderId":"bob"}`, a.ID))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bid status = %d", resp.StatusCode)
	}

	t.Run("list", func(t *testing.T) {
		resp := ts.get(t, "/api/auctions")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		got := decode[struct {
			Auctions   []store.Auction `json:"auctions"`
			ServerTime int64           `json:"serverTime"`
		}](t, resp)
		if len(got.Auctions) != 2 {
			t.Errorf("got %d auctions, want 2", len(got.Auctions))
		}
		if got.ServerTime != base.UnixMilli() {
			t.Errorf("serverTime = %d", got.ServerTime)
		}
	})

	t.Run("detail", func(t *testing.T) {
		resp := ts.get(t, fmt.Sprintf("/api/auctions/%d", a.ID))
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		got := decode[protocol.AuctionData](t, resp)
		if got.Auction == nil || !got.Auction.CurrentPrice.Equal(decimal.NewFromInt(120)) {
			t.Errorf("auction = %+v, want price 120", got.Auction)
		}
	})

	t.Run("detail not found", func(t *testing.T) {
		resp := ts.get(t, "/api/auctions/9999")
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", resp.StatusCode)
		}
	})

	t.Run("detail bad id", func(t *testing.T) {
		resp := ts.get(t, "/api/auctions/abc")
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("history", func(t *testing.T) {
		resp := ts.get(t, fmt.Sprintf("/api/auctions/%d/bids", a.ID))
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		got := decode[struct {
			AuctionID int64                  `json:"auctionId"`
			Bids      []auction.HistoryEntry `json:"bids"`
		}](t, resp)
		if len(got.Bids) != 1 || got.Bids[0].BidderID != "bob" {
			t.Fatalf("bids = %+v, want one bid by bob", got.Bids)
		}
	})

	t.Run("history not found", func(t *testing.T) {
		resp := ts.get(t, "/api/auctions/9999/bids")
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", resp.StatusCode)
		}
	})
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		origin string
		want   string
	}{
		{name: "allowed", origin: allowedOrigin, want: allowedOrigin},
		{name: "other", origin: "https://evil.example.com", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/bids", nil)
			req.Header.Set("Origin", tt.origin)
			req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			req.Header.Set("Access-Control-Request-Headers", "Content-Type")
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("OPTIONS: %v", err)
			}
			defer resp.Body.Close()
			if got := resp.Header.Get("Access-Control-Allow-Origin"); got != tt.want {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHealthRoutes(t *testing.T) {
	ts := newTestServer(t)

	if resp := ts.get(t, "/healthz"); resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz status = %d, want 200", resp.StatusCode)
	}
	if resp := ts.get(t, "/readyz"); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/readyz before ready status = %d, want 503", resp.StatusCode)
	}
	ts.health.SetReady(true)
	if resp := ts.get(t, "/readyz"); resp.StatusCode != http.StatusOK {
		t.Errorf("/readyz status = %d, want 200", resp.StatusCode)
	}
}

func dial(t *testing.T, ts *testServer) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	header := http.Header{"Origin": []string{allowedOrigin}}
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, frame string) {
	t.Helper()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func receive(t *testing.T, ws *websocket.Conn) protocol.Envelope {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, frame, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatalf("unmarshal %s: %v", frame, err)
	}
	return env
}

func TestWebSocket_JoinBidAndTimeSync(t *testing.T) {
	ts := newTestServer(t)
	a := ts.openAuction(t)
	ws := dial(t, ts)

	// Malformed and unknown frames are ignored without closing the socket.
	send(t, ws, `not json`)
	send(t, ws, `{"type":"placeBid","data":{}}`)
	send(t, ws, fmt.Sprintf(`{"type":"joinAuction","data":{"auctionId":%d}}`, a.ID))

	env := receive(t, ws)
	if env.Type != protocol.TypeAuctionData {
		t.Fatalf("first frame type = %q, want auctionData", env.Type)
	}
	var snapshot protocol.AuctionData
	if err := json.Unmarshal(env.Data, &snapshot); err != nil {
		t.Fatal(err)
	}
	if snapshot.Auction == nil || snapshot.Auction.ID != a.ID {
		t.Fatalf("snapshot = %+v", snapshot.Auction)
	}
	if snapshot.ServerTime != base.UnixMilli() {
		t.Errorf("snapshot serverTime = %d", snapshot.ServerTime)
	}

	resp := ts.post(t, "/api/bids", fmt.Sprintf(`{"auctionId":%d,"amount":175,"bidderId":"carol"}`, a.ID))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bid status = %d", resp.StatusCode)
	}

	env = receive(t, ws)
	if env.Type != protocol.TypeBidUpdate {
		t.Fatalf("frame type = %q, want bidUpdate", env.Type)
	}
	var update protocol.BidUpdate
	if err := json.Unmarshal(env.Data, &update); err != nil {
		t.Fatal(err)
	}
	if !update.NewPrice.Equal(decimal.NewFromInt(175)) || update.BidderID != "carol" {
		t.Errorf("update = %+v", update)
	}
	if !bytes.Contains(env.Data, []byte(`"newPrice":"175"`)) {
		t.Errorf("newPrice not sent as a decimal string: %s", env.Data)
	}

	send(t, ws, `{"type":"timeSync","data":{"clientTime":1000}}`)
	env = receive(t, ws)
	if env.Type != protocol.TypeTimeSync {
		t.Fatalf("frame type = %q, want timeSync", env.Type)
	}
	var sync protocol.TimeSync
	if err := json.Unmarshal(env.Data, &sync); err != nil {
		t.Fatal(err)
	}
	if sync.ClientTime != 1000 || sync.ServerTime != base.UnixMilli() {
		t.Errorf("timeSync = %+v", sync)
	}

	stats := decode[room.Stats](t, ts.get(t, "/api/stats"))
	if stats.Connections != 1 || stats.Members[a.ID] != 1 {
		t.Errorf("stats = %+v, want one member in auction %d", stats, a.ID)
	}
}

func TestWebSocket_LeaveStopsUpdates(t *testing.T) {
	ts := newTestServer(t)
	a := ts.openAuction(t)
	ws := dial(t, ts)

	send(t, ws, fmt.Sprintf(`{"type":"joinAuction","data":{"auctionId":%d}}`, a.ID))
	if env := receive(t, ws); env.Type != protocol.TypeAuctionData {
		t.Fatalf("frame type = %q, want auctionData", env.Type)
	}

	send(t, ws, `{"type":"leaveAuction"}`)
	// The timeSync reply proves the leave was processed first.
	send(t, ws, `{"type":"timeSync","data":{"clientTime":1}}`)
	if env := receive(t, ws); env.Type != protocol.TypeTimeSync {
		t.Fatalf("frame type = %q, want timeSync", env.Type)
	}

	resp := ts.post(t, "/api/bids", fmt.Sprintf(`{"auctionId":%d,"amount":300}`, a.ID))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bid status = %d", resp.StatusCode)
	}

	send(t, ws, `{"type":"timeSync","data":{"clientTime":2}}`)
	if env := receive(t, ws); env.Type != protocol.TypeTimeSync {
		t.Fatalf("frame type = %q after leaving, want timeSync only", env.Type)
	}
}

func TestWebSocket_UnknownAuctionNotJoined(t *testing.T) {
	ts := newTestServer(t)
	ws := dial(t, ts)

	send(t, ws, `{"type":"joinAuction","data":{"auctionId":4242}}`)
	send(t, ws, `{"type":"timeSync","data":{"clientTime":5}}`)
	if env := receive(t, ws); env.Type != protocol.TypeTimeSync {
		t.Fatalf("frame type = %q, want timeSync", env.Type)
	}
	if stats := ts.rooms.Stats(); stats.Rooms != 0 {
		t.Errorf("rooms = %d, want 0", stats.Rooms)
	}
}

func TestWebSocket_RejectsForeignOrigin(t *testing.T) {
	ts := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.example.com"}})
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("response = %v, want 403", resp)
	}
}

func TestCloseConnections(t *testing.T) {
	ts := newTestServer(t)
	a := ts.openAuction(t)
	ws := dial(t, ts)

	send(t, ws, fmt.Sprintf(`{"type":"joinAuction","data":{"auctionId":%d}}`, a.ID))
	receive(t, ws)

	ts.srv.CloseConnections()

	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("read error = %v, want going-away close", err)
	}
}
