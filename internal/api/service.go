// Package api exposes the engine over HTTP: order entry, activation control,
// ledger and audit queries, SLA execution signals and the price board.
//
// All monetary values use shopspring/decimal, never float64 for money.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/computex/market-engine/internal/activation"
	"github.com/computex/market-engine/internal/admission"
	"github.com/computex/market-engine/internal/book"
	"github.com/computex/market-engine/internal/capability"
	"github.com/computex/market-engine/internal/matching"
	"github.com/computex/market-engine/internal/metrics"
	"github.com/computex/market-engine/internal/model"
	"github.com/computex/market-engine/internal/pricing"
	"github.com/computex/market-engine/internal/reputation"
	"github.com/computex/market-engine/internal/settlement"
	"github.com/computex/market-engine/internal/sla"
)

// Service wires the engine components to HTTP handlers.
type Service struct {
	books      *book.Books
	admission  *admission.Controller
	activation *activation.Controller
	ledger     *settlement.Ledger
	reputation *reputation.Store
	board      *pricing.Board
	tracker    *sla.Tracker
	matcher    *matching.Matcher
	hub        *WSHub // optional
	logger     *slog.Logger
}

// Deps lists the components a Service serves. Hub may be nil.
type Deps struct {
	Books      *book.Books
	Admission  *admission.Controller
	Activation *activation.Controller
	Ledger     *settlement.Ledger
	Reputation *reputation.Store
	Board      *pricing.Board
	Tracker    *sla.Tracker
	Matcher    *matching.Matcher
	Hub        *WSHub
	Logger     *slog.Logger
}

// NewService creates the HTTP service.
func NewService(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		books:      d.Books,
		admission:  d.Admission,
		activation: d.Activation,
		ledger:     d.Ledger,
		reputation: d.Reputation,
		board:      d.Board,
		tracker:    d.Tracker,
		matcher:    d.Matcher,
		hub:        d.Hub,
		logger:     logger,
	}
}

// Routes mounts every handler on r.
func (s *Service) Routes(r chi.Router) {
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}

	r.Post("/orders", s.SubmitOrder)
	r.Get("/orders/{orderID}", s.GetOrder)
	r.Delete("/orders/{orderID}", s.CancelOrder)
	r.Put("/books", s.ReplaceBooks)

	r.Get("/lanes", s.ListLanes)
	r.Get("/lanes/{lane}/book", s.GetBook)
	r.Get("/lanes/{lane}/prices", s.GetPriceBands)

	r.Post("/executions", s.ReportExecution)
	r.Get("/sla", s.ListSLA)
	r.Post("/sla/sweep", s.SweepSLA)

	r.Get("/activation", s.GetActivation)
	r.Get("/activation/history", s.GetActivationHistory)
	r.Post("/activation/arm", s.Arm)
	r.Post("/activation/cancel", s.CancelArm)
	r.Post("/activation/dry-run", s.ForceDryRun)

	r.Get("/ledger/balances", s.ListBalances)
	r.Get("/ledger/balances/{party}", s.GetBalance)
	r.Post("/ledger/deposits", s.Deposit)
	r.Get("/ledger/head", s.GetJournalHead)
	r.Get("/ledger/audit", s.GetAuditRange)
	r.Get("/ledger/digests", s.GetDigests)
	r.Post("/ledger/verify", s.VerifyJournal)
	r.Get("/ledger/failed", s.ListFailed)
	r.Post("/ledger/failed/replay", s.ReplayFailed)

	r.Get("/reputation", s.ListReputation)
	r.Get("/reputation/{providerID}", s.GetReputation)

	r.Get("/matching", s.GetMatching)
}

// --- Request/Response types ---

// OrderRequest is the JSON body for POST /orders.
type OrderRequest struct {
	ID            string          `json:"id,omitempty"`
	Party         string          `json:"party"`
	Lane          string          `json:"lane"`
	Side          model.Side      `json:"side"`
	PricePerUnit  decimal.Decimal `json:"price_per_unit"`
	Quantity      int64           `json:"quantity"`
	Capabilities  capability.Set  `json:"capabilities"`   // e.g. "gpu=a100;mem=64;tee"
	ExecutionTime string          `json:"execution_time"` // Go duration, bids only
	Deferred      bool            `json:"deferred"`
}

func (req OrderRequest) order() (*model.Order, error) {
	o := &model.Order{
		ID:           req.ID,
		Party:        req.Party,
		Lane:         req.Lane,
		Side:         req.Side,
		PricePerUnit: req.PricePerUnit,
		Quantity:     req.Quantity,
		Capabilities: req.Capabilities,
		Deferred:     req.Deferred,
	}
	if req.ExecutionTime != "" {
		d, err := time.ParseDuration(req.ExecutionTime)
		if err != nil {
			return nil, err
		}
		o.ExecutionTime = d
	}
	return o, nil
}

// ReplaceRequest is the JSON body for PUT /books.
type ReplaceRequest struct {
	Orders []OrderRequest `json:"orders"`
}

// LaneStatus summarizes one lane.
type LaneStatus struct {
	Lane       string  `json:"lane"`
	Bids       int     `json:"bids"`
	Asks       int     `json:"asks"`
	Cap        int     `json:"cap"`
	Backlog    int     `json:"backlog"`
	OldestWait float64 `json:"oldest_wait_seconds"`
}

// BookSnapshot is the resting orders of one lane.
type BookSnapshot struct {
	Lane string        `json:"lane"`
	Bids []model.Order `json:"bids"`
	Asks []model.Order `json:"asks"`
}

// PriceResponse carries raw and backlog-adjusted quantile bands.
type PriceResponse struct {
	Lane      string          `json:"lane"`
	Window    int             `json:"window"`
	Samples   int             `json:"samples"`
	Bands     pricing.Bands   `json:"bands"`
	Suggested pricing.Bands   `json:"suggested"`
	Backlog   int             `json:"backlog"`
	Factor    decimal.Decimal `json:"factor"`
}

// ExecutionResponse reports how a completion signal resolved.
type ExecutionResponse struct {
	JobID string         `json:"job_id"`
	State model.SLAState `json:"state"`
}

// ArmRequest is the JSON body for POST /activation/arm.
type ArmRequest struct {
	Delay  string `json:"delay"` // Go duration
	Reason string `json:"reason"`
}

// ReasonRequest carries the reason for a cancel or forced fallback.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// ActivationResponse is the controller state with its version.
type ActivationResponse struct {
	State   model.ActivationState `json:"state"`
	Version uint64                `json:"version"`
}

// DepositRequest is the JSON body for POST /ledger/deposits.
type DepositRequest struct {
	Party     string          `json:"party"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

// OutcomeResponse reports a ledger outcome.
type OutcomeResponse struct {
	Outcome settlement.Outcome `json:"outcome"`
}

// MatchingStatus reports the matcher state.
type MatchingStatus struct {
	Halted bool            `json:"halted"`
	Params matching.Params `json:"params"`
}

// --- Order entry ---

// SubmitOrder handles POST /api/v1/orders
func (s *Service) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	o, err := req.order()
	if err != nil {
		writeError(w, "invalid execution_time", http.StatusBadRequest)
		return
	}
	if err := book.Validate(o); err != nil {
		writeReject(w, err)
		return
	}
	if s.admission != nil {
		if err := s.admission.Admit(o); err != nil {
			status, reason := http.StatusConflict, "exposure_exceeded"
			if errors.Is(err, admission.ErrRateLimited) {
				status, reason = http.StatusTooManyRequests, "rate_limited"
			}
			metrics.OrderRejections.WithLabelValues(reason).Inc()
			writeError(w, err.Error(), status)
			return
		}
	}

	placed, err := s.books.Submit(o)
	if err != nil {
		writeReject(w, err)
		return
	}

	s.logger.Info("order accepted",
		"id", placed.ID,
		"party", placed.Party,
		"lane", placed.Lane,
		"side", placed.Side,
		"price", placed.PricePerUnit.String(),
		"quantity", placed.Quantity,
	)
	writeJSON(w, http.StatusCreated, placed)
}

// GetOrder handles GET /api/v1/orders/{orderID}
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.books.Get(chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, "order not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	err := s.books.Cancel(chi.URLParam(r, "orderID"))
	switch {
	case errors.Is(err, book.ErrAlreadyMatched):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, book.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case err != nil:
		writeError(w, err.Error(), http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// ReplaceBooks handles PUT /api/v1/books
func (s *Service) ReplaceBooks(w http.ResponseWriter, r *http.Request) {
	var req ReplaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	orders := make([]*model.Order, 0, len(req.Orders))
	for _, or := range req.Orders {
		o, err := or.order()
		if err != nil {
			writeError(w, "invalid execution_time", http.StatusBadRequest)
			return
		}
		orders = append(orders, o)
	}
	if err := s.books.StagedReplace(orders); err != nil {
		writeReject(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"orders": len(orders)})
}

// --- Lanes ---

// ListLanes handles GET /api/v1/lanes
func (s *Service) ListLanes(w http.ResponseWriter, r *http.Request) {
	lanes := s.books.Lanes()
	out := make([]LaneStatus, 0, len(lanes))
	for _, name := range lanes {
		bids, asks, err := s.books.Depth(name)
		if err != nil {
			continue
		}
		c, _ := s.books.Cap(name)
		out = append(out, LaneStatus{
			Lane:       name,
			Bids:       bids,
			Asks:       asks,
			Cap:        c,
			Backlog:    s.books.Backlog(name),
			OldestWait: s.books.OldestWait(name).Seconds(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetBook handles GET /api/v1/lanes/{lane}/book
func (s *Service) GetBook(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "lane")
	bids, asks, err := s.books.Snapshot(name)
	if err != nil {
		writeError(w, "lane not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, BookSnapshot{Lane: name, Bids: bids, Asks: asks})
}

// GetPriceBands handles GET /api/v1/lanes/{lane}/prices
func (s *Service) GetPriceBands(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "lane")
	if _, err := s.books.Cap(name); err != nil {
		writeError(w, "lane not found", http.StatusNotFound)
		return
	}
	bands, err := s.board.QuantileBands(name)
	if errors.Is(err, pricing.ErrNoData) {
		writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	backlog := s.books.Backlog(name)
	suggested, err := s.board.Suggest(name, backlog)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, PriceResponse{
		Lane:      name,
		Window:    s.board.Window(),
		Samples:   len(s.board.Prices(name)),
		Bands:     bands,
		Suggested: suggested,
		Backlog:   backlog,
		Factor:    s.board.BacklogFactor(backlog),
	})
}

// --- SLA ---

// ReportExecution handles POST /api/v1/executions
func (s *Service) ReportExecution(w http.ResponseWriter, r *http.Request) {
	var sig model.CompletionSignal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil || sig.JobID == "" {
		writeError(w, "job_id is required", http.StatusBadRequest)
		return
	}
	state, err := s.tracker.Complete(r.Context(), sig)
	switch {
	case errors.Is(err, sla.ErrUnknownJob):
		writeError(w, err.Error(), http.StatusNotFound)
	case err != nil:
		writeError(w, err.Error(), http.StatusBadGateway)
	default:
		writeJSON(w, http.StatusOK, ExecutionResponse{JobID: sig.JobID, State: state})
	}
}

// ListSLA handles GET /api/v1/sla
func (s *Service) ListSLA(w http.ResponseWriter, r *http.Request) {
	recs, err := s.tracker.Outstanding(r.Context())
	if err != nil {
		writeError(w, "failed to list sla records", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// SweepSLA handles POST /api/v1/sla/sweep
func (s *Service) SweepSLA(w http.ResponseWriter, r *http.Request) {
	res, err := s.tracker.Sweep(r.Context())
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Activation ---

// GetActivation handles GET /api/v1/activation
func (s *Service) GetActivation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ActivationResponse{State: s.activation.State(), Version: s.activation.Version()})
}

// GetActivationHistory handles GET /api/v1/activation/history
func (s *Service) GetActivationHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := s.activation.History(r.Context())
	if err != nil {
		writeError(w, "failed to load activation history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

// Arm handles POST /api/v1/activation/arm
func (s *Service) Arm(w http.ResponseWriter, r *http.Request) {
	var req ArmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	delay, err := time.ParseDuration(req.Delay)
	if err != nil {
		writeError(w, "delay must be a duration like 10m", http.StatusBadRequest)
		return
	}
	tr, err := s.activation.Arm(r.Context(), delay, req.Reason)
	s.writeTransition(w, tr, err)
}

// CancelArm handles POST /api/v1/activation/cancel
func (s *Service) CancelArm(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	json.NewDecoder(r.Body).Decode(&req)
	tr, err := s.activation.CancelArm(r.Context(), req.Reason)
	s.writeTransition(w, tr, err)
}

// ForceDryRun handles POST /api/v1/activation/dry-run
func (s *Service) ForceDryRun(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reason == "" {
		writeError(w, "reason is required", http.StatusBadRequest)
		return
	}
	tr, err := s.activation.ForceDryRun(r.Context(), req.Reason)
	s.writeTransition(w, tr, err)
}

func (s *Service) writeTransition(w http.ResponseWriter, tr model.ActivationTransition, err error) {
	switch {
	case errors.Is(err, activation.ErrInvalidTransition):
		writeError(w, err.Error(), http.StatusConflict)
	case err != nil:
		writeError(w, err.Error(), http.StatusServiceUnavailable)
	default:
		s.logger.Warn("activation transition", "version", tr.Version, "from", tr.From, "to", tr.To.Mode, "reason", tr.Reason)
		writeJSON(w, http.StatusOK, tr)
	}
}

// --- Ledger ---

// ListBalances handles GET /api/v1/ledger/balances
func (s *Service) ListBalances(w http.ResponseWriter, r *http.Request) {
	bals, err := s.ledger.Balances(r.Context())
	if err != nil {
		writeError(w, "failed to list balances", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, bals)
}

// GetBalance handles GET /api/v1/ledger/balances/{party}
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	party := chi.URLParam(r, "party")
	amt, err := s.ledger.Balance(r.Context(), party)
	if err != nil {
		writeError(w, "failed to load balance", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, model.Balance{Party: party, Amount: amt})
}

// Deposit handles POST /api/v1/ledger/deposits
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	out, err := s.ledger.Deposit(r.Context(), req.Party, req.Amount, req.Reference)
	switch {
	case errors.Is(err, settlement.ErrInvalidReceipt):
		writeError(w, err.Error(), http.StatusBadRequest)
	case err != nil:
		writeError(w, err.Error(), http.StatusServiceUnavailable)
	default:
		writeJSON(w, http.StatusOK, OutcomeResponse{Outcome: out})
	}
}

// GetJournalHead handles GET /api/v1/ledger/head
func (s *Service) GetJournalHead(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.Head())
}

// GetAuditRange handles GET /api/v1/ledger/audit?from=1&limit=100
func (s *Service) GetAuditRange(w http.ResponseWriter, r *http.Request) {
	from, err := queryUint(r, "from", 1)
	if err != nil {
		writeError(w, "from must be a positive integer", http.StatusBadRequest)
		return
	}
	limit, err := queryUint(r, "limit", 100)
	if err != nil {
		writeError(w, "limit must be a positive integer", http.StatusBadRequest)
		return
	}
	recs, err := s.ledger.AuditRange(r.Context(), from, int(limit))
	if err != nil {
		writeError(w, "failed to read audit journal", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// GetDigests handles GET /api/v1/ledger/digests?limit=10
func (s *Service) GetDigests(w http.ResponseWriter, r *http.Request) {
	limit, err := queryUint(r, "limit", 10)
	if err != nil {
		writeError(w, "limit must be a positive integer", http.StatusBadRequest)
		return
	}
	digests, err := s.ledger.RecentDigests(r.Context(), int(limit))
	if err != nil {
		writeError(w, "failed to read digests", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, digests)
}

// VerifyJournal handles POST /api/v1/ledger/verify
func (s *Service) VerifyJournal(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.VerifyJournal(r.Context()); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, settlement.ErrDigestMismatch) || errors.Is(err, settlement.ErrJournalGap) {
			status = http.StatusConflict
		}
		writeError(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, s.ledger.Head())
}

// ListFailed handles GET /api/v1/ledger/failed
func (s *Service) ListFailed(w http.ResponseWriter, r *http.Request) {
	failed, err := s.ledger.FailedApplications(r.Context())
	if err != nil {
		writeError(w, "failed to list archived receipts", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, failed)
}

// ReplayFailed handles POST /api/v1/ledger/failed/replay
func (s *Service) ReplayFailed(w http.ResponseWriter, r *http.Request) {
	n, err := s.ledger.ReplayFailed(r.Context())
	if err != nil {
		writeError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"applied": n})
}

// --- Reputation ---

// ListReputation handles GET /api/v1/reputation
func (s *Service) ListReputation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reputation.List())
}

// GetReputation handles GET /api/v1/reputation/{providerID}
func (s *Service) GetReputation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "providerID")
	writeJSON(w, http.StatusOK, model.ReputationScore{ProviderID: id, Score: s.reputation.Score(id)})
}

// --- Matching ---

// GetMatching handles GET /api/v1/matching
func (s *Service) GetMatching(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, MatchingStatus{Halted: s.matcher.Halted(), Params: s.matcher.Params()})
}

// --- helpers ---

func queryUint(r *http.Request, key string, def uint64) (uint64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || v == 0 {
		return 0, errors.New("not a positive integer")
	}
	return v, nil
}

// writeReject maps book rejections to a structured JSON response.
func writeReject(w http.ResponseWriter, err error) {
	var rej *book.RejectError
	if !errors.As(err, &rej) {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	metrics.OrderRejections.WithLabelValues(string(rej.Reason)).Inc()
	status := http.StatusBadRequest
	switch rej.Reason {
	case book.ReasonCapacityExceeded:
		status = http.StatusServiceUnavailable
	case book.ReasonUnknownLane:
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]any{
		"error":  rej.Error(),
		"reason": rej.Reason,
		"lane":   rej.Lane,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
