// Package api exposes the bridge operations as a JSON HTTP API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"

	"tws-bridge/internal/errs"
	"tws-bridge/internal/health"
	"tws-bridge/internal/logger"
	"tws-bridge/internal/model"
)

// Bridge is the set of operations the API serves.
type Bridge interface {
	GetOrders(ctx context.Context, clientID int) ([]model.Order, error)
	GetAllOrders(ctx context.Context) ([]model.Order, error)
	GetOrder(ctx context.Context, orderID int64) (model.Order, error)
	PlaceOrder(ctx context.Context, spec model.OrderSpec) (model.Order, error)
	ModifyOrder(ctx context.Context, orderID int64, spec model.OrderSpec) (model.Order, error)
	CancelOrder(ctx context.Context, orderID int64) (model.CancelOutcome, error)
	CancelAll(ctx context.Context) ([]model.CancelOutcome, error)
	GetPositions(ctx context.Context) ([]model.Position, error)
	GetAccountSummary(ctx context.Context, tags ...string) (model.AccountSummary, error)
	GetQuote(ctx context.Context, symbol string) (model.Quote, error)
	GetQuotes(ctx context.Context, symbols []string, exchange string) (map[string]*model.Quote, error)
	Status() health.Status
	ResetBreaker(ctx context.Context)
	TripBreaker(ctx context.Context, reason string)
	RecentMutations(ctx context.Context, limit int) ([]model.MutationRecord, error)
}

// TOTPHeader carries the second factor for breaker reset.
const TOTPHeader = "X-TOTP-Code"

const maxBody = 64 << 10

// Router serves the API.
type Router struct {
	bridge     Bridge
	totpSecret string
	log        *slog.Logger
	mux        *http.ServeMux
	now        func() time.Time
}

// NewRouter builds the API. When totpSecret is set, breaker reset requires
// a valid code in the X-TOTP-Code header.
func NewRouter(b Bridge, totpSecret string, log *slog.Logger) *Router {
	r := &Router{
		bridge:     b,
		totpSecret: totpSecret,
		log:        logger.Or(log).With("component", "api"),
		mux:        http.NewServeMux(),
		now:        time.Now,
	}

	r.mux.HandleFunc("GET /api/v1/health", r.health)
	r.mux.HandleFunc("GET /api/v1/status", r.status)

	r.mux.HandleFunc("GET /api/v1/orders", r.allOrders)
	r.mux.HandleFunc("GET /api/v1/clients/{clientID}/orders", r.clientOrders)
	r.mux.HandleFunc("GET /api/v1/orders/{orderID}", r.getOrder)
	r.mux.HandleFunc("POST /api/v1/orders", r.placeOrder)
	r.mux.HandleFunc("PUT /api/v1/orders/{orderID}", r.modifyOrder)
	r.mux.HandleFunc("DELETE /api/v1/orders/{orderID}", r.cancelOrder)
	r.mux.HandleFunc("DELETE /api/v1/orders", r.cancelAll)

	r.mux.HandleFunc("GET /api/v1/positions", r.positions)
	r.mux.HandleFunc("GET /api/v1/account/summary", r.accountSummary)
	r.mux.HandleFunc("GET /api/v1/quotes", r.quotes)
	r.mux.HandleFunc("GET /api/v1/quotes/{symbol}", r.quote)

	r.mux.HandleFunc("POST /api/v1/breaker/reset", r.resetBreaker)
	r.mux.HandleFunc("POST /api/v1/breaker/trip", r.tripBreaker)
	r.mux.HandleFunc("GET /api/v1/mutations", r.mutations)
	return r
}

// Handle mounts an extra handler, e.g. the order stream.
func (r *Router) Handle(pattern string, h http.Handler) { r.mux.Handle(pattern, h) }

// ServeHTTP tags the request with a trace id, sets CORS headers and logs it.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	SetCORS(w)
	if req.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if strings.HasPrefix(req.URL.Path, "/ws/") {
		r.mux.ServeHTTP(w, req)
		return
	}
	traceID := req.Header.Get("X-Request-ID")
	if traceID == "" {
		traceID = logger.NewTraceID()
	}
	w.Header().Set("X-Request-ID", traceID)
	req = req.WithContext(logger.WithTraceID(req.Context(), traceID))

	rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
	start := r.now()
	r.mux.ServeHTTP(rec, req)
	r.log.Info("request", "trace_id", traceID, "method", req.Method, "path", req.URL.Path,
		"status", rec.code, "ms", time.Since(start).Milliseconds())
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, "+TOTPHeader)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

func (r *Router) health(w http.ResponseWriter, req *http.Request) {
	st := r.bridge.Status()
	code := http.StatusOK
	if !st.Connected || st.BreakerTripped {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": st.Status})
}

func (r *Router) status(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.bridge.Status())
}

type ordersResponse struct {
	Orders  []model.Order `json:"orders"`
	Count   int           `json:"count"`
	Partial bool          `json:"partial,omitempty"`
	Error   string        `json:"error,omitempty"`
}

func (r *Router) allOrders(w http.ResponseWriter, req *http.Request) {
	orders, err := r.bridge.GetAllOrders(req.Context())
	r.writeOrders(w, orders, err)
}

func (r *Router) clientOrders(w http.ResponseWriter, req *http.Request) {
	clientID, err := strconv.Atoi(req.PathValue("clientID"))
	if err != nil || clientID < 0 {
		writeError(w, errs.ErrInvalidOrder.Detailf("invalid client id %q", req.PathValue("clientID")))
		return
	}
	orders, err := r.bridge.GetOrders(req.Context(), clientID)
	r.writeOrders(w, orders, err)
}

// writeOrders answers 206 with the collected orders when the index is partial.
func (r *Router) writeOrders(w http.ResponseWriter, orders []model.Order, err error) {
	if err != nil && !errs.Is(err, errs.ErrPartialIndex) {
		writeError(w, err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	resp := ordersResponse{Orders: orders, Count: len(orders)}
	if err != nil {
		resp.Partial = true
		resp.Error = err.Error()
	}
	writeJSON(w, errs.HTTPStatus(err), resp)
}

func (r *Router) getOrder(w http.ResponseWriter, req *http.Request) {
	id, err := orderID(req)
	if err != nil {
		writeError(w, err)
		return
	}
	o, err := r.bridge.GetOrder(req.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (r *Router) placeOrder(w http.ResponseWriter, req *http.Request) {
	var spec model.OrderSpec
	if err := decode(w, req, &spec); err != nil {
		writeError(w, err)
		return
	}
	o, err := r.bridge.PlaceOrder(req.Context(), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (r *Router) modifyOrder(w http.ResponseWriter, req *http.Request) {
	id, err := orderID(req)
	if err != nil {
		writeError(w, err)
		return
	}
	var spec model.OrderSpec
	if err := decode(w, req, &spec); err != nil {
		writeError(w, err)
		return
	}
	o, err := r.bridge.ModifyOrder(req.Context(), id, spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (r *Router) cancelOrder(w http.ResponseWriter, req *http.Request) {
	id, err := orderID(req)
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := r.bridge.CancelOrder(req.Context(), id)
	writeJSON(w, errs.HTTPStatus(err), out)
}

func (r *Router) cancelAll(w http.ResponseWriter, req *http.Request) {
	outs, err := r.bridge.CancelAll(req.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	failed := 0
	for _, o := range outs {
		if o.Result != model.OutcomeSucceeded {
			failed++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"outcomes":  outs,
		"requested": len(outs),
		"failed":    failed,
	})
}

func (r *Router) positions(w http.ResponseWriter, req *http.Request) {
	pos, err := r.bridge.GetPositions(req.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if pos == nil {
		pos = []model.Position{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": pos, "count": len(pos)})
}

func (r *Router) accountSummary(w http.ResponseWriter, req *http.Request) {
	var tags []string
	if s := req.URL.Query().Get("tags"); s != "" {
		for _, t := range strings.Split(s, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
	}
	sum, err := r.bridge.GetAccountSummary(req.Context(), tags...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (r *Router) quote(w http.ResponseWriter, req *http.Request) {
	q, err := r.bridge.GetQuote(req.Context(), req.PathValue("symbol"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// quotes answers ?symbols=AAPL,MSFT&exchange=SMART with one entry per
// symbol, null when no price is available.
func (r *Router) quotes(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	symbols := strings.Split(q.Get("symbols"), ",")
	out, err := r.bridge.GetQuotes(req.Context(), symbols, q.Get("exchange"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"quotes": out, "count": len(out)})
}

func (r *Router) resetBreaker(w http.ResponseWriter, req *http.Request) {
	if r.totpSecret != "" {
		code := strings.TrimSpace(req.Header.Get(TOTPHeader))
		if code == "" || !totp.Validate(code, r.totpSecret) {
			r.log.Warn("breaker reset refused: bad TOTP code", logger.LogWithTrace(req.Context())...)
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "valid " + TOTPHeader + " header required", Code: "unauthorized"})
			return
		}
	}
	r.bridge.ResetBreaker(req.Context())
	writeJSON(w, http.StatusOK, r.bridge.Status())
}

func (r *Router) tripBreaker(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if req.ContentLength != 0 {
		if err := decode(w, req, &body); err != nil {
			writeError(w, err)
			return
		}
	}
	r.bridge.TripBreaker(req.Context(), body.Reason)
	writeJSON(w, http.StatusOK, r.bridge.Status())
}

func (r *Router) mutations(w http.ResponseWriter, req *http.Request) {
	limit := 100
	if s := req.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, errs.ErrInvalidOrder.Detailf("invalid limit %q", s))
			return
		}
		limit = n
	}
	recs, err := r.bridge.RecentMutations(req.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: err.Error(), Code: "unavailable"})
		return
	}
	if recs == nil {
		recs = []model.MutationRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"mutations": recs, "count": len(recs)})
}

func orderID(req *http.Request) (int64, error) {
	id, err := strconv.ParseInt(req.PathValue("orderID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errs.ErrInvalidOrder.Detailf("invalid order id %q", req.PathValue("orderID"))
	}
	return id, nil
}

func decode(w http.ResponseWriter, req *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errs.ErrInvalidOrder.Wrap(err).WithDetail("malformed request body")
	}
	return nil
}

type errorBody struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error(), Code: errs.CodeOf(err).String()}
	var e *errs.Error
	if errors.As(err, &e) {
		body.Detail = e.Detail
	}
	writeJSON(w, errs.HTTPStatus(err), body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
