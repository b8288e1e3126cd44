// Package api provides the HTTP handlers for scanning, liquidating,
// inspecting portfolios and maintaining oracle prices.
//
// Monetary values are fixed.Value rendered as decimal strings.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/risk-engine/internal/account"
	"github.com/atmx/risk-engine/internal/fixed"
	"github.com/atmx/risk-engine/internal/instrument"
	"github.com/atmx/risk-engine/internal/liquidation"
	"github.com/atmx/risk-engine/internal/model"
	"github.com/atmx/risk-engine/internal/oracle"
	"github.com/atmx/risk-engine/internal/risk"
	"github.com/atmx/risk-engine/internal/router"
	"github.com/atmx/risk-engine/internal/store"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 1000
)

// Service serves the risk engine API.
type Service struct {
	store    store.Store
	feed     *oracle.Feed
	scanner  *liquidation.Scanner
	executor *liquidation.Executor
	ledger   router.Router // optional: serves POST /closeouts
	wsHub    *WSHub        // optional WebSocket hub for real-time broadcasts
	now      func() time.Time
}

// Config wires a Service. Ledger and Hub may be nil.
type Config struct {
	Store    store.Store
	Feed     *oracle.Feed
	Scanner  *liquidation.Scanner
	Executor *liquidation.Executor
	Ledger   router.Router
	Hub      *WSHub
}

// NewService creates a new API service.
func NewService(cfg Config) *Service {
	return &Service{
		store:    cfg.Store,
		feed:     cfg.Feed,
		scanner:  cfg.Scanner,
		executor: cfg.Executor,
		ledger:   cfg.Ledger,
		wsHub:    cfg.Hub,
		now:      time.Now,
	}
}

// WithClock overrides the clock used for price freshness.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// --- Request/Response types ---

// LiquidateRequest is the JSON body for POST /liquidations.
type LiquidateRequest struct {
	Portfolio string       `json:"portfolio"`
	MaxSize   *fixed.Value `json:"max_size,omitempty"`
}

// InitializeOracleRequest is the JSON body for POST /oracles.
type InitializeOracleRequest struct {
	Instrument string `json:"instrument"`
	Authority  string `json:"authority"`
}

// UpdatePriceRequest is the JSON body for POST /oracles/{instrument}/price.
type UpdatePriceRequest struct {
	Authority  string      `json:"authority"`
	Price      fixed.Value `json:"price"`
	Timestamp  int64       `json:"timestamp"` // unix seconds
	Confidence fixed.Value `json:"confidence"`
}

// RiskView is a portfolio's risk figures, as shown by the scan listing.
type RiskView struct {
	Address        model.Key   `json:"address"`
	User           model.Key   `json:"user"`
	Collateral     fixed.Value `json:"collateral"`
	Equity         fixed.Value `json:"equity"`
	IM             fixed.Value `json:"im"`
	MM             fixed.Value `json:"mm"`
	Health         fixed.Value `json:"health"`
	FreeCollateral fixed.Value `json:"free_collateral"`
	ExposureCount  int         `json:"exposure_count"`
}

func riskView(p *model.Portfolio, d model.Derived) RiskView {
	return RiskView{
		Address:        p.Address,
		User:           p.User,
		Collateral:     p.Collateral,
		Equity:         d.Equity,
		IM:             d.IM,
		MM:             d.MM,
		Health:         d.Health,
		FreeCollateral: d.FreeCollateral,
		ExposureCount:  len(p.Exposures),
	}
}

// ScanResponse is the JSON body returned from GET /liquidatable.
type ScanResponse struct {
	At         time.Time       `json:"at"`
	Candidates []RiskView      `json:"candidates"`
	Unpriced   []UnpricedEntry `json:"unpriced"`
	Scanned    int             `json:"scanned"`
	Skipped    int             `json:"skipped"`
}

// UnpricedEntry names a portfolio the scan could not price.
type UnpricedEntry struct {
	Address model.Key `json:"address"`
	Error   string    `json:"error"`
}

// LineView is one exposure with its contribution at the current price.
type LineView struct {
	Instrument string      `json:"instrument"`
	Size       fixed.Value `json:"size"`
	EntryPrice fixed.Value `json:"entry_price"`
	Price      fixed.Value `json:"price"`
	PnL        fixed.Value `json:"pnl"`
	Notional   fixed.Value `json:"notional"`
	IM         fixed.Value `json:"im"`
	MM         fixed.Value `json:"mm"`
}

// PortfolioResponse is the JSON body returned from GET /portfolios/{address}.
type PortfolioResponse struct {
	Portfolio    *model.Portfolio `json:"portfolio"`
	Risk         *RiskView        `json:"risk,omitempty"`
	Lines        []LineView       `json:"lines,omitempty"`
	Liquidatable bool             `json:"liquidatable"`
	PricingError string           `json:"pricing_error,omitempty"`
}

// OutcomeResponse reports a liquidation attempt that did not produce an
// event.
type OutcomeResponse struct {
	Outcome string `json:"outcome"`
	Error   string `json:"error"`
	Stage   string `json:"stage,omitempty"`
}

// --- HTTP Handlers ---

// ListLiquidatable handles GET /api/v1/liquidatable
// Scans every portfolio and returns the liquidatable ones, worst first.
func (s *Service) ListLiquidatable(w http.ResponseWriter, r *http.Request) {
	report, err := s.scanner.Scan(r.Context())
	if err != nil {
		slog.Error("scan failed", "error", err)
		writeError(w, "failed to scan portfolios", http.StatusServiceUnavailable)
		return
	}

	resp := ScanResponse{
		At:         report.At.UTC(),
		Candidates: []RiskView{},
		Unpriced:   []UnpricedEntry{},
		Scanned:    report.Scanned,
		Skipped:    report.Skipped,
	}
	for c := range report.All() {
		resp.Candidates = append(resp.Candidates, riskView(c.Portfolio, c.Derived))
	}
	for _, u := range report.Unpriced {
		resp.Unpriced = append(resp.Unpriced, UnpricedEntry{Address: u.Address, Error: u.Err.Error()})
	}

	writeJSON(w, http.StatusOK, resp)
}

// Liquidate handles POST /api/v1/liquidations
// Re-checks one portfolio and liquidates it if it is still underwater.
func (s *Service) Liquidate(w http.ResponseWriter, r *http.Request) {
	var req LiquidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	addr, err := instrument.ParseKey(req.Portfolio)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.MaxSize != nil && !req.MaxSize.IsPositive() {
		writeError(w, "max_size must be positive", http.StatusBadRequest)
		return
	}

	ev, err := s.executor.Liquidate(r.Context(), addr, req.MaxSize)
	if err == nil {
		writeJSON(w, http.StatusOK, ev)
		return
	}

	class := liquidation.Classify(err)
	resp := OutcomeResponse{Outcome: class.String(), Error: err.Error()}
	var se *liquidation.StageError
	if errors.As(err, &se) {
		resp.Stage = string(se.Stage)
	}

	var rej *liquidation.RejectedError
	status := http.StatusInternalServerError
	switch {
	case class.Benign():
		status = http.StatusConflict
	case errors.Is(err, account.ErrMalformed):
		status = http.StatusUnprocessableEntity
	case class == liquidation.ClassRetryable:
		status = http.StatusServiceUnavailable
	case errors.As(err, &rej):
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		slog.Error("liquidation failed", "portfolio", addr.String(), "outcome", resp.Outcome, "error", err)
	}
	writeJSON(w, status, resp)
}

// ListLiquidations handles GET /api/v1/liquidations?limit=N
// Returns the most recent liquidation events, newest first.
func (s *Service) ListLiquidations(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	events, err := s.store.ListLiquidationEvents(r.Context(), limit)
	if err != nil {
		writeError(w, "failed to load liquidation history", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.LiquidationEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// GetPortfolio handles GET /api/v1/portfolios/{address}
// Returns the portfolio with its per-exposure breakdown at current prices.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	addr, err := instrument.ParseKey(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx := r.Context()

	acct, err := s.store.GetAccount(ctx, addr)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "portfolio not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load portfolio", http.StatusInternalServerError)
		return
	}
	p, err := account.DecodePortfolio(addr, acct.Data)
	if err != nil {
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	snap, err := s.feed.Snapshot(ctx, p.Instruments(), s.now())
	if err != nil {
		writeError(w, "failed to load prices", http.StatusServiceUnavailable)
		return
	}

	resp := PortfolioResponse{Portfolio: p}
	d, lines, err := risk.EvaluateLines(p, snap)
	if err != nil {
		resp.PricingError = err.Error()
		writeJSON(w, http.StatusOK, resp)
		return
	}
	view := riskView(p, d)
	resp.Risk = &view
	resp.Liquidatable = d.Liquidatable()
	for _, l := range lines {
		resp.Lines = append(resp.Lines, LineView{
			Instrument: instrument.Describe(l.Exposure.Instrument),
			Size:       l.Exposure.Size,
			EntryPrice: l.Exposure.EntryPrice,
			Price:      l.Price,
			PnL:        l.PnL,
			Notional:   l.Notional,
			IM:         l.IM,
			MM:         l.MM,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// InitializeOracle handles POST /api/v1/oracles
func (s *Service) InitializeOracle(w http.ResponseWriter, r *http.Request) {
	var req InitializeOracleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	inst, err := instrument.ParseKey(req.Instrument)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	auth, err := instrument.ParseKey(req.Authority)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	o, err := s.feed.Initialize(r.Context(), inst, auth)
	if err != nil {
		writeOracleError(w, err)
		return
	}

	slog.Info("oracle initialized",
		"instrument", instrument.Describe(inst),
		"address", account.OracleAddress(inst).String(),
	)
	writeJSON(w, http.StatusCreated, o)
}

// UpdatePrice handles POST /api/v1/oracles/{instrument}/price
func (s *Service) UpdatePrice(w http.ResponseWriter, r *http.Request) {
	inst, err := instrument.ParseKey(chi.URLParam(r, "instrument"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req UpdatePriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	auth, err := instrument.ParseKey(req.Authority)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	o, err := s.feed.UpdatePrice(r.Context(), auth, inst, req.Price, req.Timestamp, req.Confidence)
	if err != nil {
		writeOracleError(w, err)
		return
	}

	if s.wsHub != nil {
		s.wsHub.BroadcastPrice(o)
	}
	writeJSON(w, http.StatusOK, o)
}

// GetPrice handles GET /api/v1/oracles/{instrument}/price
// Optional ?max_staleness=30s&max_confidence=0.5 override the feed limits.
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	inst, err := instrument.ParseKey(chi.URLParam(r, "instrument"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	limits := s.feed.Limits()
	q := r.URL.Query()
	if v := q.Get("max_staleness"); v != "" {
		if limits.MaxStaleness, err = time.ParseDuration(v); err != nil || limits.MaxStaleness < 0 {
			writeError(w, "max_staleness must be a non-negative duration", http.StatusBadRequest)
			return
		}
	}
	if v := q.Get("max_confidence"); v != "" {
		if limits.MaxConfidence, err = fixed.Parse(v); err != nil || limits.MaxConfidence.IsNegative() {
			writeError(w, "max_confidence must be a non-negative decimal", http.StatusBadRequest)
			return
		}
	}

	ctx := r.Context()
	price, err := s.feed.GetPrice(ctx, inst, s.now(), limits.MaxStaleness, limits.MaxConfidence)
	if err != nil {
		writeOracleError(w, err)
		return
	}
	o, err := s.feed.Get(ctx, inst)
	if err != nil {
		writeOracleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"instrument": instrument.Describe(inst),
		"price":      price,
		"timestamp":  o.Timestamp,
		"confidence": o.Confidence,
	})
}

// SubmitCloseout handles POST /api/v1/closeouts
// Serves the ledger router to keepers running in other processes.
// Accepted closeouts return 200; every rejection returns 409 with the
// typed reason.
func (s *Service) SubmitCloseout(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeError(w, "closeout submission is not enabled", http.StatusNotFound)
		return
	}
	var c router.Closeout
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.ledger.Submit(r.Context(), c)
	if err != nil {
		slog.Error("closeout submission failed", "portfolio", c.Portfolio.String(), "error", err)
		writeError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if !res.Accepted {
		writeJSON(w, http.StatusConflict, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// writeOracleError maps feed errors onto HTTP statuses.
func writeOracleError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, oracle.ErrUnknownInstrument):
		status = http.StatusNotFound
	case errors.Is(err, oracle.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, oracle.ErrAlreadyInitialized),
		errors.Is(err, oracle.ErrNonMonotonicTimestamp),
		errors.Is(err, oracle.ErrContention):
		status = http.StatusConflict
	case errors.Is(err, oracle.ErrInvalidPrice),
		errors.Is(err, oracle.ErrInvalidConfidence):
		status = http.StatusBadRequest
	case errors.Is(err, oracle.ErrStalePrice),
		errors.Is(err, oracle.ErrLowConfidence),
		errors.Is(err, oracle.ErrInactive),
		errors.Is(err, account.ErrMalformed):
		status = http.StatusUnprocessableEntity
	}
	writeError(w, err.Error(), status)
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
