package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/computex/market-engine/internal/activation"
	"github.com/computex/market-engine/internal/admission"
	"github.com/computex/market-engine/internal/api"
	"github.com/computex/market-engine/internal/book"
	"github.com/computex/market-engine/internal/events"
	"github.com/computex/market-engine/internal/matching"
	"github.com/computex/market-engine/internal/model"
	"github.com/computex/market-engine/internal/pricing"
	"github.com/computex/market-engine/internal/reputation"
	"github.com/computex/market-engine/internal/settlement"
	"github.com/computex/market-engine/internal/sla"
	"github.com/computex/market-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	router  chi.Router
	books   *book.Books
	ctrl    *activation.Controller
	matcher *matching.Matcher
	hub     *api.WSHub
}

// newTestEnv wires an engine on an in-memory store behind a chi router.
func newTestEnv(t *testing.T, limits admission.Limits, laneCap int) *testEnv {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemoryStore()

	ctrl := activation.New(mem)
	if err := ctrl.Load(ctx); err != nil {
		t.Fatalf("load activation: %v", err)
	}
	ledger, err := settlement.Open(ctx, mem, ctrl)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	rep := reputation.New(mem, 0)
	books := book.New([]book.LaneSpec{{Name: "standard", Cap: laneCap}, {Name: "bulk", Cap: laneCap}})
	board, err := pricing.NewBoard(16)
	if err != nil {
		t.Fatalf("new board: %v", err)
	}
	tracker := sla.New(mem, ledger, time.Minute)
	m, err := matching.New(books, ledger, rep, matching.DefaultParams(),
		matching.WithSLA(tracker), matching.WithPriceBoard(board))
	if err != nil {
		t.Fatalf("new matcher: %v", err)
	}
	hub := api.NewWSHub(nil)

	svc := api.NewService(api.Deps{
		Books:      books,
		Admission:  admission.New(books, limits),
		Activation: ctrl,
		Ledger:     ledger,
		Reputation: rep,
		Board:      board,
		Tracker:    tracker,
		Matcher:    m,
		Hub:        hub,
	})
	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return &testEnv{router: r, books: books, ctrl: ctrl, matcher: m, hub: hub}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, "/api/v1"+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) goLive(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.ctrl.Arm(ctx, 0, "test"); err != nil {
		t.Fatalf("arm: %v", err)
	}
	if ok, err := e.ctrl.Tick(ctx); err != nil || !ok {
		t.Fatalf("promote: %v %v", ok, err)
	}
}

func orderReq(party, lane string, side model.Side, price float64, qty int64) api.OrderRequest {
	return api.OrderRequest{Party: party, Lane: lane, Side: side, PricePerUnit: d(price), Quantity: qty}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

// --- Order entry ---

func TestSubmitOrder_Accepted(t *testing.T) {
	env := newTestEnv(t, admission.Limits{}, 10)

	req := orderReq("alice", "standard", model.SideBid, 10, 6)
	req.ExecutionTime = "5m"
	w := env.do(t, "POST", "/orders", req)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	o := decode[model.Order](t, w)
	if o.ID == "" || o.Seq == 0 || o.ExecutionTime != 5*time.Minute {
		t.Errorf("unexpected order: %+v", o)
	}

	w = env.do(t, "GET", "/orders/"+o.ID, nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 on lookup, got %d", w.Code)
	}
}

func TestSubmitOrder_StructuredRejects(t *testing.T) {
	env := newTestEnv(t, admission.Limits{}, 1)

	cases := []struct {
		name   string
		req    api.OrderRequest
		status int
		reason book.RejectReason
	}{
		{"zero quantity", orderReq("alice", "standard", model.SideBid, 10, 0), http.StatusBadRequest, book.ReasonInvalidOrder},
		{"unknown lane", orderReq("alice", "gpu", model.SideBid, 10, 1), http.StatusNotFound, book.ReasonUnknownLane},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(t, "POST", "/orders", tc.req)
			if w.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, w.Code, w.Body.String())
			}
			body := decode[map[string]any](t, w)
			if body["reason"] != string(tc.reason) {
				t.Errorf("expected reason %s, got %v", tc.reason, body["reason"])
			}
		})
	}

	t.Run("capacity", func(t *testing.T) {
		if w := env.do(t, "POST", "/orders", orderReq("alice", "bulk", model.SideBid, 1, 1)); w.Code != http.StatusCreated {
			t.Fatalf("first order: %d", w.Code)
		}
		w := env.do(t, "POST", "/orders", orderReq("bob", "bulk", model.SideAsk, 1, 1))
		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d", w.Code)
		}
		if body := decode[map[string]any](t, w); body["reason"] != string(book.ReasonCapacityExceeded) {
			t.Errorf("unexpected body: %v", body)
		}
	})
}

func TestSubmitOrder_AdmissionLimits(t *testing.T) {
	env := newTestEnv(t, admission.Limits{Rate: rate.Every(time.Hour), Burst: 1, MaxPerLane: d(100)}, 10)

	if w := env.do(t, "POST", "/orders", orderReq("alice", "standard", model.SideBid, 10, 20)); w.Code != http.StatusConflict {
		t.Errorf("expected 409 for exposure, got %d", w.Code)
	}
	if w := env.do(t, "POST", "/orders", orderReq("alice", "standard", model.SideBid, 10, 1)); w.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 once the bucket is empty, got %d", w.Code)
	}
}

func TestCancelOrder(t *testing.T) {
	env := newTestEnv(t, admission.Limits{}, 10)
	o := decode[model.Order](t, env.do(t, "POST", "/orders", orderReq("alice", "standard", model.SideBid, 10, 1)))

	if w := env.do(t, "DELETE", "/orders/"+o.ID, nil); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if w := env.do(t, "DELETE", "/orders/"+o.ID, nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 on second cancel, got %d", w.Code)
	}
}

func TestReplaceBooks_AllOrNothing(t *testing.T) {
	env := newTestEnv(t, admission.Limits{}, 2)
	env.do(t, "POST", "/orders", orderReq("alice", "standard", model.SideBid, 10, 1))

	over := api.ReplaceRequest{Orders: []api.OrderRequest{
		orderReq("a", "bulk", model.SideBid, 1, 1),
		orderReq("b", "bulk", model.SideBid, 1, 1),
		orderReq("c", "bulk", model.SideBid, 1, 1),
	}}
	if w := env.do(t, "PUT", "/books", over); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if bids, _, _ := env.books.Depth("standard"); bids != 1 {
		t.Errorf("rejected replace must leave the books untouched, standard bids=%d", bids)
	}

	ok := api.ReplaceRequest{Orders: over.Orders[:2]}
	if w := env.do(t, "PUT", "/books", ok); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	lanes := decode[[]api.LaneStatus](t, env.do(t, "GET", "/lanes", nil))
	if len(lanes) != 2 || lanes[0].Bids != 0 || lanes[1].Bids != 2 {
		t.Errorf("unexpected lanes after replace: %+v", lanes)
	}
}

// --- End to end ---

func TestMatchSettleAndComplete(t *testing.T) {
	env := newTestEnv(t, admission.Limits{}, 10)
	env.goLive(t)
	ctx := context.Background()

	w := env.do(t, "POST", "/ledger/deposits", api.DepositRequest{Party: "alice", Amount: d(100), Reference: "wire-1"})
	if got := decode[api.OutcomeResponse](t, w); got.Outcome != settlement.OutcomeApplied {
		t.Fatalf("deposit: %d %s", w.Code, w.Body.String())
	}
	bid := decode[model.Order](t, env.do(t, "POST", "/orders", orderReq("alice", "standard", model.SideBid, 10, 6)))
	env.do(t, "POST", "/orders", orderReq("prov", "standard", model.SideAsk, 10, 6))

	receipts, err := env.matcher.MatchBatch(ctx, 16)
	if err != nil || len(receipts) != 1 {
		t.Fatalf("match: %v %v", receipts, err)
	}

	bal := decode[model.Balance](t, env.do(t, "GET", "/ledger/balances/alice", nil))
	if !bal.Amount.Equal(d(40)) {
		t.Errorf("expected alice 40, got %s", bal.Amount)
	}
	if w := env.do(t, "DELETE", "/orders/"+bid.ID, nil); w.Code != http.StatusConflict {
		t.Errorf("cancel after match should be 409, got %d", w.Code)
	}

	prices := decode[api.PriceResponse](t, env.do(t, "GET", "/lanes/standard/prices", nil))
	if !prices.Bands.P50.Equal(d(10)) || prices.Samples != 1 {
		t.Errorf("unexpected price bands: %+v", prices)
	}

	recs := decode[[]model.SlaRecord](t, env.do(t, "GET", "/sla", nil))
	if len(recs) != 1 || recs[0].JobID != receipts[0].JobID {
		t.Fatalf("expected one sla record, got %+v", recs)
	}
	sig := model.CompletionSignal{JobID: recs[0].JobID, Success: true, ProofReference: "proof-1"}
	done := decode[api.ExecutionResponse](t, env.do(t, "POST", "/executions", sig))
	if done.State != model.SLACompleted {
		t.Errorf("expected completed, got %s", done.State)
	}
	if w := env.do(t, "POST", "/executions", sig); w.Code != http.StatusNotFound {
		t.Errorf("resolved job should be unknown, got %d", w.Code)
	}

	audit := decode[[]model.AuditRecord](t, env.do(t, "GET", "/ledger/audit?from=1&limit=10", nil))
	if len(audit) != 2 || audit[1].Kind != model.AuditSettlement {
		t.Errorf("expected deposit then settlement, got %+v", audit)
	}
	if w := env.do(t, "POST", "/ledger/verify", nil); w.Code != http.StatusOK {
		t.Errorf("verify: %d %s", w.Code, w.Body.String())
	}
	digests := decode[[]model.Digest](t, env.do(t, "GET", "/ledger/digests?limit=1", nil))
	if len(digests) != 1 {
		t.Errorf("expected one digest, got %d", len(digests))
	}
	scores := decode[[]model.ReputationScore](t, env.do(t, "GET", "/reputation", nil))
	if len(scores) != 1 || scores[0].Score <= 0 {
		t.Errorf("settled provider should gain reputation: %+v", scores)
	}
}

func TestPriceBands_NoData(t *testing.T) {
	env := newTestEnv(t, admission.Limits{}, 10)
	if w := env.do(t, "GET", "/lanes/standard/prices", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if w := env.do(t, "GET", "/lanes/nope/prices", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown lane, got %d", w.Code)
	}
}

// --- Activation ---

func TestActivationEndpoints(t *testing.T) {
	env := newTestEnv(t, admission.Limits{}, 10)

	if w := env.do(t, "POST", "/activation/cancel", api.ReasonRequest{}); w.Code != http.StatusConflict {
		t.Errorf("cancel from dry run should be 409, got %d", w.Code)
	}
	if w := env.do(t, "POST", "/activation/arm", api.ArmRequest{Delay: "soon"}); w.Code != http.StatusBadRequest {
		t.Errorf("bad delay should be 400, got %d", w.Code)
	}
	w := env.do(t, "POST", "/activation/arm", api.ArmRequest{Delay: "1h", Reason: "launch"})
	if w.Code != http.StatusOK {
		t.Fatalf("arm: %d %s", w.Code, w.Body.String())
	}
	state := decode[api.ActivationResponse](t, env.do(t, "GET", "/activation", nil))
	if state.State.Mode != model.ModeArmed || state.Version != 1 {
		t.Errorf("unexpected state: %+v", state)
	}

	if w := env.do(t, "POST", "/activation/dry-run", api.ReasonRequest{}); w.Code != http.StatusBadRequest {
		t.Errorf("fallback without reason should be 400, got %d", w.Code)
	}
	if w := env.do(t, "POST", "/activation/dry-run", api.ReasonRequest{Reason: "incident"}); w.Code != http.StatusOK {
		t.Errorf("fallback: %d", w.Code)
	}
	hist := decode[[]model.ActivationTransition](t, env.do(t, "GET", "/activation/history", nil))
	if len(hist) != 2 || hist[1].Reason != "incident" {
		t.Errorf("unexpected history: %+v", hist)
	}
}

func TestGetMatching(t *testing.T) {
	env := newTestEnv(t, admission.Limits{}, 10)
	st := decode[map[string]any](t, env.do(t, "GET", "/matching", nil))
	if st["halted"] != false {
		t.Errorf("fresh matcher should not be halted: %v", st)
	}
}

// --- WebSocket ---

func TestWSHub_StreamsEvents(t *testing.T) {
	env := newTestEnv(t, admission.Limits{}, 10)
	srv := httptest.NewServer(env.router)
	defer srv.Close()
	defer env.hub.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ev := events.Event{ID: "ev-1", Kind: events.KindReceipt, Key: "job-1", At: time.Now().UTC()}
	if err := env.hub.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got events.Event
	json.Unmarshal(data, &got)
	if got.ID != "ev-1" || got.Kind != events.KindReceipt {
		t.Errorf("unexpected event: %+v", got)
	}
}
