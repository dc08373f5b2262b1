package server

import (
	"CopyGuard/internal/ingestion"
	"CopyGuard/internal/ledger"
	"CopyGuard/internal/observability"
	"CopyGuard/internal/pipeline"
	"CopyGuard/internal/risk"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const maxBodyBytes = 1 << 20

type handlers struct {
	pipeline Processor
	ledger   *ledger.Ledger
	logger   zerolog.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

func (h *handlers) register(mux *runtime.ServeMux) error {
	routes := []struct {
		method, pattern string
		fn              runtime.HandlerFunc
	}{
		{http.MethodPost, "/v1/intents", h.submitIntent},
		{http.MethodGet, "/v1/account", h.account},
		{http.MethodGet, "/v1/positions", h.openPositions},
		{http.MethodGet, "/v1/positions/closed", h.closedPositions},
		{http.MethodGet, "/v1/positions/{market_id}/{outcome}", h.position},
		{http.MethodGet, "/v1/executions", h.executions},
		{http.MethodGet, "/v1/attempts", h.pendingAttempts},
		{http.MethodGet, "/v1/kill-switch", h.killSwitch},
		{http.MethodPost, "/v1/kill-switch", h.setKillSwitch},
		{http.MethodDelete, "/v1/kill-switch", h.clearKillSwitch},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, h.instrument(r.method+" "+r.pattern, r.fn)); err != nil {
			return fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}
	return nil
}

func (h *handlers) submitIntent(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	in, err := ingestion.ParseIntent(body)
	if err != nil {
		if h.metrics != nil {
			h.metrics.IngestErrors.WithLabelValues("http").Inc()
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}

	out, err := h.pipeline.Process(pipeline.WithSource(r.Context(), "http"), in)
	status := http.StatusOK
	if err != nil {
		h.logger.Error().Err(err).Str("intent_id", in.ID()).Msg("intent not finished")
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, out.Envelope())
}

type killSwitchView struct {
	Active bool   `json:"active"`
	Cause  string `json:"cause"`
}

type accountView struct {
	StartingCapital decimal.Decimal `json:"starting_capital"`
	CurrentCapital  decimal.Decimal `json:"current_capital"`
	DailyRealized   decimal.Decimal `json:"daily_realized"`
	TotalRealized   decimal.Decimal `json:"total_realized"`
	OpenPositions   int             `json:"open_positions"`
	KillSwitch      killSwitchView  `json:"kill_switch"`
	AsOf            time.Time       `json:"as_of"`
}

func (h *handlers) account(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	asOf := h.now()
	st, err := h.ledger.AccountState(r.Context(), asOf)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, accountView{
		StartingCapital: st.StartingCapital,
		CurrentCapital:  st.CurrentCapital,
		DailyRealized:   st.DailyRealized,
		TotalRealized:   st.TotalRealized,
		OpenPositions:   st.OpenPositions,
		KillSwitch:      killSwitchView{Active: st.KillSwitch.Active, Cause: st.KillSwitch.Cause.String()},
		AsOf:            asOf.UTC(),
	})
}

type positionView struct {
	ID            string           `json:"position_id"`
	MarketID      string           `json:"market_id"`
	Outcome       string           `json:"outcome"`
	Quantity      decimal.Decimal  `json:"quantity"`
	EntryPrice    decimal.Decimal  `json:"entry_price"`
	CostBasis     decimal.Decimal  `json:"cost_basis"`
	RealizedPnL   decimal.Decimal  `json:"realized_pnl"`
	UnrealizedPnL *decimal.Decimal `json:"unrealized_pnl,omitempty"`
	ClosePrice    *decimal.Decimal `json:"close_price,omitempty"`
	OpenedAt      time.Time        `json:"opened_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	ClosedAt      *time.Time       `json:"closed_at,omitempty"`
}

func toPositionView(p ledger.Position) positionView {
	v := positionView{
		ID:          p.ID,
		MarketID:    p.MarketID,
		Outcome:     p.Outcome,
		Quantity:    p.Quantity,
		EntryPrice:  p.EntryPrice,
		CostBasis:   p.CostBasis,
		RealizedPnL: p.RealizedPnL,
		OpenedAt:    p.OpenedAt,
		UpdatedAt:   p.UpdatedAt,
	}
	if p.ClosePrice.Valid {
		v.ClosePrice = &p.ClosePrice.Decimal
	}
	if !p.IsOpen() {
		v.ClosedAt = &p.ClosedAt
	}
	return v
}

func toPositionViews(ps []ledger.Position) []positionView {
	out := make([]positionView, len(ps))
	for i, p := range ps {
		out[i] = toPositionView(p)
	}
	return out
}

func (h *handlers) openPositions(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	ps, err := h.ledger.OpenPositions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": toPositionViews(ps)})
}

func (h *handlers) closedPositions(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	limit, err := queryLimit(r, 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ps, err := h.ledger.ClosedPositions(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": toPositionViews(ps)})
}

// position returns the open position for a market outcome. ?mark=<price>
// adds unrealized PnL at that price.
func (h *handlers) position(w http.ResponseWriter, r *http.Request, params map[string]string) {
	p, err := h.ledger.Position(r.Context(), params["market_id"], params["outcome"])
	switch {
	case errors.Is(err, ledger.ErrNoPosition):
		writeError(w, http.StatusNotFound, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	v := toPositionView(p)
	if raw := r.URL.Query().Get("mark"); raw != "" {
		mark, err := decimal.NewFromString(raw)
		if err != nil || !mark.IsPositive() {
			writeError(w, http.StatusBadRequest, fmt.Errorf("mark must be a positive decimal, got %q", raw))
			return
		}
		pnl := ledger.ComputePnL(p, mark)
		v.UnrealizedPnL = &pnl.Unrealized
	}
	writeJSON(w, http.StatusOK, v)
}

type executionView struct {
	ExecutionID string          `json:"execution_id"`
	IntentID    string          `json:"intent_id"`
	MarketID    string          `json:"market_id"`
	Outcome     string          `json:"outcome"`
	Side        string          `json:"side"`
	Success     bool            `json:"success"`
	ErrorKind   string          `json:"error_kind,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Amount      decimal.Decimal `json:"amount"`
	Quantity    decimal.Decimal `json:"quantity"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	PositionID  string          `json:"position_id,omitempty"`
	Update      string          `json:"ledger_update"`
	ExecutedAt  time.Time       `json:"executed_at"`
}

func (h *handlers) executions(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	limit, err := queryLimit(r, 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	recs, err := h.ledger.Executions(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]executionView, len(recs))
	for i, e := range recs {
		out[i] = executionView{
			ExecutionID: e.ExecutionID,
			IntentID:    e.IntentID,
			MarketID:    e.MarketID,
			Outcome:     e.Outcome,
			Side:        e.Side.String(),
			Success:     e.Success,
			ErrorKind:   e.ErrorKind,
			Price:       e.Price,
			Amount:      e.Amount,
			Quantity:    e.Quantity,
			RealizedPnL: e.RealizedPnL,
			PositionID:  e.PositionID,
			Update:      e.Kind.String(),
			ExecutedAt:  e.ExecutedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": out})
}

type attemptView struct {
	AttemptID string          `json:"attempt_id"`
	IntentID  string          `json:"intent_id"`
	MarketID  string          `json:"market_id"`
	Outcome   string          `json:"outcome"`
	Side      string          `json:"side"`
	Amount    decimal.Decimal `json:"amount"`
	Quantity  decimal.Decimal `json:"quantity"`
	Mode      string          `json:"mode"`
	StartedAt time.Time       `json:"started_at"`
}

func (h *handlers) pendingAttempts(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	attempts, err := h.ledger.PendingAttempts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]attemptView, len(attempts))
	for i, a := range attempts {
		out[i] = attemptView{
			AttemptID: a.ID,
			IntentID:  a.Intent.ID(),
			MarketID:  a.Intent.MarketID(),
			Outcome:   a.Intent.Outcome(),
			Side:      a.Intent.Side().String(),
			Amount:    a.Order.Amount,
			Quantity:  a.Order.Quantity,
			Mode:      a.Mode.String(),
			StartedAt: a.StartedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": out})
}

func (h *handlers) killSwitch(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	ks, err := h.ledger.KillSwitch(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, killSwitchView{Active: ks.Active, Cause: ks.Cause.String()})
}

type killSwitchRequest struct {
	Note string `json:"note"`
}

func (h *handlers) setKillSwitch(w http.ResponseWriter, r *http.Request, p map[string]string) {
	req, err := readKillSwitchRequest(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.ledger.SetKillSwitch(r.Context(), risk.KillCauseManual, req.Note); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.logger.Warn().Str("note", req.Note).Msg("kill switch engaged via API")
	h.killSwitch(w, r, p)
}

func (h *handlers) clearKillSwitch(w http.ResponseWriter, r *http.Request, p map[string]string) {
	req, err := readKillSwitchRequest(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.ledger.ClearKillSwitch(r.Context(), req.Note); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.logger.Warn().Str("note", req.Note).Msg("kill switch cleared via API")
	h.killSwitch(w, r, p)
}

// readKillSwitchRequest accepts an empty body.
func readKillSwitchRequest(w http.ResponseWriter, r *http.Request) (killSwitchRequest, error) {
	var req killSwitchRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil || len(body) == 0 {
		return req, err
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return req, fmt.Errorf("decode body: %w", err)
	}
	return req, nil
}

func queryLimit(r *http.Request, fallback int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 1000 {
		return 0, fmt.Errorf("limit must be between 1 and 1000, got %q", raw)
	}
	return n, nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *handlers) instrument(route string, fn runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r, params)
		if h.metrics != nil {
			h.metrics.QueryRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
			h.metrics.QueryDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
