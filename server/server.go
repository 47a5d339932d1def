// Package server exposes the stamp ledger over HTTP for the surrounding
// collaborators: order fulfillment, the merchant console, the tap landing
// page, the reward UI, and the wallet-pass generator.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stampd/ledger"
	"stampd/loyalty"
	"stampd/models"
	"stampd/observability"
	"stampd/token"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	Store  *ledger.Store
	Stamps *loyalty.Service
	Tap    *loyalty.Tap
	Tokens *token.Authority
	Logger *slog.Logger

	// Requests per minute for the customer-facing token endpoints; zero
	// disables the limiter.
	TapRatePerMin   float64
	TokenRatePerMin float64
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	store   *ledger.Store
	stamps  *loyalty.Service
	tap     *loyalty.Tap
	tokens  *token.Authority
	log     *slog.Logger
	metrics *observability.StampMetrics

	router http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		store:   cfg.Store,
		stamps:  cfg.Stamps,
		tap:     cfg.Tap,
		tokens:  cfg.Tokens,
		log:     logger,
		metrics: observability.Stamps(),
	}
	srv.router = srv.buildRouter(cfg)
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())

	limits := map[string]RateLimit{}
	if cfg.TapRatePerMin > 0 {
		limits["tap"] = RateLimit{RequestsPerMinute: cfg.TapRatePerMin, Burst: 5}
	}
	if cfg.TokenRatePerMin > 0 {
		limits["token"] = RateLimit{RequestsPerMinute: cfg.TokenRatePerMin, Burst: 3}
	}
	limiter := NewRateLimiter(limits, s.log)

	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/cafes", s.CreateCafe)
		api.Get("/cafes/short/{code}", s.GetCafeByShortCode)

		api.Post("/stamps/earn", s.EarnStamp)

		api.Route("/cafes/{cafeID}", func(cafe chi.Router) {
			cafe.Get("/", s.GetCafe)
			cafe.Post("/tokens", s.IssueToken)
			cafe.Get("/tokens/active", s.ActiveToken)
			cafe.With(limiter.Middleware("token")).Post("/stamps/redeem-token", s.RedeemToken)
			cafe.With(limiter.Middleware("tap")).Post("/stamps/tap", s.Tap)
			cafe.Post("/rewards/redeem", s.RedeemReward)
			cafe.Get("/stamps/{customerID}", s.GetBalance)
			cafe.Get("/stamps/{customerID}/history", s.GetHistory)
		})
	})

	return r
}

// CreateCafe registers a café and its stamp goal.
func (s *Server) CreateCafe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string `json:"name"`
		ShortCode string `json:"short_code"`
		StampGoal int    `json:"stamp_goal"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	if req.StampGoal < 1 {
		req.StampGoal = 10
	}

	cafe := models.Cafe{
		ID:        uuid.New(),
		Name:      req.Name,
		ShortCode: req.ShortCode,
		StampGoal: req.StampGoal,
	}
	if err := s.store.CreateCafe(r.Context(), &cafe); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, cafe)
}

// GetCafe returns the café record.
func (s *Server) GetCafe(w http.ResponseWriter, r *http.Request) {
	cafeID, ok := s.pathUUID(w, r, "cafeID")
	if !ok {
		return
	}
	cafe, err := s.store.Cafe(r.Context(), cafeID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cafe)
}

// GetCafeByShortCode resolves an NFC/QR deep-link code.
func (s *Server) GetCafeByShortCode(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	cafe, err := s.store.CafeByShortCode(r.Context(), code)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cafe)
}

// EarnStamp is the direct accrual entry point. The order fulfillment
// collaborator calls it with source=order after payment capture; a failure
// must not roll back the order, so it treats errors as best effort on its
// side.
func (s *Server) EarnStamp(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CustomerID uuid.UUID  `json:"customer_id"`
		CafeID     uuid.UUID  `json:"cafe_id"`
		Source     string     `json:"source"`
		OrderID    *uuid.UUID `json:"order_id,omitempty"`
		MerchantID *uuid.UUID `json:"merchant_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.CustomerID == uuid.Nil || req.CafeID == uuid.Nil {
		http.Error(w, "customer_id and cafe_id are required", http.StatusBadRequest)
		return
	}
	source := models.StampSource(req.Source)
	if !source.Valid() {
		http.Error(w, "invalid source", http.StatusBadRequest)
		return
	}

	result, err := s.stamps.Earn(r.Context(), loyalty.EarnParams{
		CustomerID: req.CustomerID,
		CafeID:     req.CafeID,
		Source:     source,
		OrderID:    req.OrderID,
		MerchantID: req.MerchantID,
	})
	if err != nil {
		s.metrics.RecordEarn(string(source), errorCode(err))
		s.writeError(w, err)
		return
	}
	s.metrics.RecordEarn(string(source), "ok")
	s.writeJSON(w, http.StatusOK, result)
}

// IssueToken handles the merchant allow-stamping action.
func (s *Server) IssueToken(w http.ResponseWriter, r *http.Request) {
	cafeID, ok := s.pathUUID(w, r, "cafeID")
	if !ok {
		return
	}
	var req struct {
		IssuerID uuid.UUID `json:"issuer_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.IssuerID == uuid.Nil {
		http.Error(w, "issuer_id is required", http.StatusBadRequest)
		return
	}
	if _, err := s.store.Cafe(r.Context(), cafeID); err != nil {
		s.writeError(w, err)
		return
	}

	tok, err := s.tokens.Issue(r.Context(), cafeID, req.IssuerID)
	if err != nil {
		s.metrics.RecordToken("issue", "error")
		s.writeError(w, err)
		return
	}
	s.metrics.RecordToken("issue", "ok")
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"token":      tok.Code,
		"expires_at": tok.ExpiresAt,
	})
}

// ActiveToken returns the café's live token for the merchant countdown.
func (s *Server) ActiveToken(w http.ResponseWriter, r *http.Request) {
	cafeID, ok := s.pathUUID(w, r, "cafeID")
	if !ok {
		return
	}
	tok, err := s.tokens.FindActive(r.Context(), cafeID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tok)
}

// RedeemToken is the typed-code fallback: consume a specific token, then
// grant a stamp on the issuer's authority.
func (s *Server) RedeemToken(w http.ResponseWriter, r *http.Request) {
	cafeID, ok := s.pathUUID(w, r, "cafeID")
	if !ok {
		return
	}
	var req struct {
		CustomerID uuid.UUID `json:"customer_id"`
		Code       string    `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.CustomerID == uuid.Nil || req.Code == "" {
		http.Error(w, "customer_id and token are required", http.StatusBadRequest)
		return
	}

	tok, err := s.tokens.Consume(r.Context(), cafeID, req.Code, req.CustomerID)
	if err != nil {
		s.metrics.RecordToken("consume", errorCode(err))
		s.writeError(w, err)
		return
	}
	s.metrics.RecordToken("consume", "ok")

	merchantID := tok.IssuerID
	result, err := s.stamps.Earn(r.Context(), loyalty.EarnParams{
		CustomerID: req.CustomerID,
		CafeID:     cafeID,
		Source:     models.SourceMerchantManual,
		MerchantID: &merchantID,
	})
	if err != nil {
		s.metrics.RecordEarn(string(models.SourceMerchantManual), errorCode(err))
		s.writeError(w, err)
		return
	}
	s.metrics.RecordEarn(string(models.SourceMerchantManual), "ok")
	s.writeJSON(w, http.StatusOK, result)
}

// Tap runs the passive NFC auto-redeem flow once per physical tap.
func (s *Server) Tap(w http.ResponseWriter, r *http.Request) {
	cafeID, ok := s.pathUUID(w, r, "cafeID")
	if !ok {
		return
	}
	var req struct {
		CustomerID uuid.UUID `json:"customer_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.CustomerID == uuid.Nil {
		http.Error(w, "customer_id is required", http.StatusBadRequest)
		return
	}

	result, err := s.tap.AutoRedeem(r.Context(), cafeID, req.CustomerID)
	if err != nil {
		// A missing session fails before any accrual is attempted; keep it
		// out of the earn counters.
		if errors.Is(err, loyalty.ErrNoActiveToken) {
			s.metrics.RecordToken("consume", errorCode(err))
		} else {
			s.metrics.RecordEarn(string(models.SourceMerchantManual), errorCode(err))
		}
		s.writeError(w, err)
		return
	}
	s.metrics.RecordToken("consume", "ok")
	s.metrics.RecordEarn(string(models.SourceMerchantManual), "ok")
	s.writeJSON(w, http.StatusOK, result)
}

// RedeemReward spends exactly one stamp-goal's worth. The UI confirms the
// balance first but the service re-validates regardless.
func (s *Server) RedeemReward(w http.ResponseWriter, r *http.Request) {
	cafeID, ok := s.pathUUID(w, r, "cafeID")
	if !ok {
		return
	}
	var req struct {
		CustomerID uuid.UUID  `json:"customer_id"`
		OrderID    *uuid.UUID `json:"order_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.CustomerID == uuid.Nil {
		http.Error(w, "customer_id is required", http.StatusBadRequest)
		return
	}

	result, err := s.stamps.Redeem(r.Context(), req.CustomerID, cafeID, req.OrderID)
	if err != nil {
		s.metrics.RecordRedemption(errorCode(err))
		s.writeError(w, err)
		return
	}
	s.metrics.RecordRedemption("ok")
	s.writeJSON(w, http.StatusOK, result)
}

// GetBalance is the read-only view used by the wallet-pass generator.
func (s *Server) GetBalance(w http.ResponseWriter, r *http.Request) {
	cafeID, ok := s.pathUUID(w, r, "cafeID")
	if !ok {
		return
	}
	customerID, ok := s.pathUUID(w, r, "customerID")
	if !ok {
		return
	}
	stamp, err := s.stamps.Balance(r.Context(), customerID, cafeID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stamp)
}

// GetHistory lists the balance's ledger entries, newest first.
func (s *Server) GetHistory(w http.ResponseWriter, r *http.Request) {
	cafeID, ok := s.pathUUID(w, r, "cafeID")
	if !ok {
		return
	}
	customerID, ok := s.pathUUID(w, r, "customerID")
	if !ok {
		return
	}
	stamp, err := s.stamps.Balance(r.Context(), customerID, cafeID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	entries, err := s.store.History(r.Context(), stamp.ID, 50)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		http.Error(w, "invalid "+name, http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("encode response failed", "err", err)
	}
}

// apiError is the machine-readable error envelope. Each rejection kind maps
// to a distinct code so clients can show a specific message.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, body := classifyError(err)
	if status >= http.StatusInternalServerError || !loyalty.Terminal(err) {
		s.log.Error("request failed", "err", err)
	} else {
		// Guard and token rejections are routine outcomes.
		s.log.Info("request rejected", "code", body.Code)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]apiError{"error": body})
}

func classifyError(err error) (int, apiError) {
	switch {
	case errors.Is(err, loyalty.ErrCafeNotFound), errors.Is(err, ledger.ErrCafeNotFound):
		return http.StatusNotFound, apiError{Code: "cafe_not_found", Message: "cafe not found"}
	case errors.Is(err, ledger.ErrShortCodeTaken):
		return http.StatusConflict, apiError{Code: "short_code_taken", Message: "short code is already in use by another cafe"}
	case errors.Is(err, loyalty.ErrNoStamps), errors.Is(err, ledger.ErrBalanceNotFound):
		return http.StatusNotFound, apiError{Code: "no_stamps", Message: "no stamp balance for this cafe"}
	case errors.Is(err, loyalty.ErrCooldownActive):
		return http.StatusConflict, apiError{Code: "cooldown_active", Message: "a stamp was earned recently; try again in a few minutes"}
	case errors.Is(err, loyalty.ErrDailyLimitReached):
		return http.StatusConflict, apiError{Code: "daily_limit_reached", Message: "daily stamp limit reached; come back tomorrow"}
	case errors.Is(err, loyalty.ErrInsufficientStamps):
		return http.StatusConflict, apiError{Code: "insufficient_stamps", Message: "not enough stamps for a reward"}
	case errors.Is(err, token.ErrInvalidOrExpired):
		return http.StatusConflict, apiError{Code: "invalid_or_expired_token", Message: "token is invalid or expired"}
	case errors.Is(err, loyalty.ErrNoActiveToken), errors.Is(err, token.ErrNoActiveToken):
		return http.StatusConflict, apiError{Code: "no_active_token", Message: "no stamping session is active; ask staff to press the allow-stamping button"}
	default:
		return http.StatusServiceUnavailable, apiError{Code: "persistence_error", Message: "temporary failure; please try again"}
	}
}

// errorCode returns the metrics label for an error.
func errorCode(err error) string {
	_, body := classifyError(err)
	return body.Code
}
