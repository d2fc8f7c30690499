package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"coupon-redemption-api/internal/budget"
	"coupon-redemption-api/internal/features"
	"coupon-redemption-api/internal/models"
	"coupon-redemption-api/internal/redmine"
	"coupon-redemption-api/internal/service"
	"coupon-redemption-api/internal/store"
	"coupon-redemption-api/internal/validation"
)

// Handler provides HTTP handlers for the API.
type Handler struct {
	engine      *service.Engine
	maxBodySize int64
	location    *time.Location
	logger      *zap.Logger
	features    *features.Manager
}

// NewHandlerOptions holds options for creating a handler.
type NewHandlerOptions struct {
	MaxBodySize int64
	// Location is used to read coupon validity dates.
	Location *time.Location
	Logger   *zap.Logger
	// Features gates optional routes. Nil enables all of them.
	Features *features.Manager
}

// DefaultHandlerOptions returns default handler options.
func DefaultHandlerOptions() NewHandlerOptions {
	return NewHandlerOptions{
		MaxBodySize: 1 << 20, // 1MB default
		Location:    time.Local,
		Logger:      zap.NewNop(),
	}
}

// NewHandler creates a new handler instance.
func NewHandler(engine *service.Engine) *Handler {
	return NewHandlerWithOptions(engine, DefaultHandlerOptions())
}

// NewHandlerWithOptions creates a new handler instance with custom options.
func NewHandlerWithOptions(engine *service.Engine, opts NewHandlerOptions) *Handler {
	defaults := DefaultHandlerOptions()
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = defaults.MaxBodySize
	}
	if opts.Location == nil {
		opts.Location = defaults.Location
	}
	if opts.Logger == nil {
		opts.Logger = defaults.Logger
	}
	return &Handler{
		engine:      engine,
		maxBodySize: opts.MaxBodySize,
		location:    opts.Location,
		logger:      opts.Logger,
		features:    opts.Features,
	}
}

// Register mounts every route on r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/health", h.Health)

	if h.features.IsEnabled(features.BudgetExtraction) {
		r.Post("/budget", h.ExtractBudget)
	}

	r.Route("/coupons", func(r chi.Router) {
		r.Get("/", h.ListCoupons)
		r.Post("/validate", h.ValidateCoupon)
		if h.features.IsEnabled(features.BudgetExtraction) {
			r.Post("/quote", h.QuoteCoupon)
		}
		r.Post("/commit", h.CommitCoupon)
	})

	r.Get("/payments/redirect/{result}", h.PaymentRedirect)
	r.Get("/projects/{pid}/redemption", h.GetRedemption)

	if h.features.IsEnabled(features.AdminAPI) {
		r.Route("/admin", func(r chi.Router) {
			r.Post("/coupons", h.PutCoupon)
			r.Get("/redemptions", h.ListRedemptions)
			r.Get("/pending", h.ListPending)
			r.Get("/features", h.ListFeatures)
		})
	}
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// validateBody accepts the budget as a JSON number or a string, so that a
// malformed amount reaches the engine and comes back as INVALID_AMOUNT.
type validateBody struct {
	ProjectID  string          `json:"project_id"`
	CouponCode string          `json:"coupon_code"`
	Budget     json.RawMessage `json:"budget"`
	IssueIDs   []string        `json:"issues"`
	Tags       []string        `json:"tags"`
	APIKey     string          `json:"api_key"`
}

func budgetText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	text := strings.TrimSpace(string(raw))
	if text == "null" {
		return ""
	}
	return text
}

// ValidateCoupon handles POST /coupons/validate
func (h *Handler) ValidateCoupon(w http.ResponseWriter, r *http.Request) {
	var body validateBody
	if !h.decode(w, r, &body) {
		return
	}

	req := models.ValidateRequest{
		ProjectID:  validation.SanitizeString(body.ProjectID),
		CouponCode: body.CouponCode,
		Budget:     budgetText(body.Budget),
		IssueIDs:   sanitizeAll(body.IssueIDs),
		Tags:       sanitizeAll(body.Tags),
		APIKey:     h.apiKey(r, body.APIKey),
	}

	result, err := h.engine.Validate(r.Context(), req)
	if err != nil {
		h.respondEngineError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, result)
}

// QuoteCoupon handles POST /coupons/quote
func (h *Handler) QuoteCoupon(w http.ResponseWriter, r *http.Request) {
	var req models.QuoteRequest
	if !h.decode(w, r, &req) {
		return
	}

	req.ProjectID = validation.SanitizeString(req.ProjectID)
	req.IssueIDs = sanitizeAll(req.IssueIDs)
	req.Tags = sanitizeAll(req.Tags)
	req.APIKey = h.apiKey(r, req.APIKey)

	result, err := h.engine.Quote(r.Context(), req)
	if err != nil {
		h.respondEngineError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, result)
}

// ExtractBudget handles POST /budget
func (h *Handler) ExtractBudget(w http.ResponseWriter, r *http.Request) {
	var req models.BudgetRequest
	if !h.decode(w, r, &req) {
		return
	}

	quote, err := h.engine.ExtractBudget(r.Context(), h.apiKey(r, req.APIKey), sanitizeAll(req.IssueIDs))
	if err != nil {
		h.respondEngineError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, quote)
}

// CommitCoupon handles POST /coupons/commit
func (h *Handler) CommitCoupon(w http.ResponseWriter, r *http.Request) {
	var req models.CommitRequest
	if !h.decode(w, r, &req) {
		return
	}

	h.commit(w, r, req)
}

// PaymentRedirect handles GET /payments/redirect/{result}?pid=&token=
// Only a successful payment commits the staged redemption.
func (h *Handler) PaymentRedirect(w http.ResponseWriter, r *http.Request) {
	pid := validation.SanitizeString(r.URL.Query().Get("pid"))
	if pid == "" {
		h.respondError(w, http.StatusBadRequest, "pid is required")
		return
	}

	if chi.URLParam(r, "result") != "success" {
		h.respondJSON(w, http.StatusOK, models.CommitResult{ProjectID: pid})
		return
	}

	h.commit(w, r, models.CommitRequest{
		ProjectID: pid,
		Token:     validation.SanitizeString(r.URL.Query().Get("token")),
	})
}

func (h *Handler) commit(w http.ResponseWriter, r *http.Request, req models.CommitRequest) {
	req.ProjectID = validation.SanitizeString(req.ProjectID)
	if err := validation.ValidateProjectID(req.ProjectID); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.engine.Commit(r.Context(), req)
	if err != nil {
		h.respondEngineError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, result)
}

// GetRedemption handles GET /projects/{pid}/redemption
func (h *Handler) GetRedemption(w http.ResponseWriter, r *http.Request) {
	pid := validation.SanitizeString(chi.URLParam(r, "pid"))
	if err := validation.ValidateProjectID(pid); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	status, err := h.engine.Status(r.Context(), pid)
	if err != nil {
		h.respondEngineError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, status)
}

// ListCoupons handles GET /coupons
func (h *Handler) ListCoupons(w http.ResponseWriter, r *http.Request) {
	coupons, err := h.engine.ListCoupons(r.Context())
	if err != nil {
		h.respondEngineError(w, err)
		return
	}
	if coupons == nil {
		coupons = []models.CouponDefinition{}
	}

	h.respondJSON(w, http.StatusOK, coupons)
}

// ListRedemptions handles GET /admin/redemptions
func (h *Handler) ListRedemptions(w http.ResponseWriter, r *http.Request) {
	records, err := h.engine.ListRedemptions(r.Context())
	if err != nil {
		h.respondEngineError(w, err)
		return
	}
	if records == nil {
		records = []models.RedemptionRecord{}
	}

	h.respondJSON(w, http.StatusOK, records)
}

// ListPending handles GET /admin/pending
func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	pending, err := h.engine.ListPending(r.Context())
	if err != nil {
		h.respondEngineError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, pending)
}

// ListFeatures handles GET /admin/features
func (h *Handler) ListFeatures(w http.ResponseWriter, r *http.Request) {
	if h.features == nil {
		h.respondJSON(w, http.StatusOK, []features.FeatureFlag{})
		return
	}
	h.respondJSON(w, http.StatusOK, h.features.List())
}

// couponBody is the admin representation of a coupon, with a plain date.
type couponBody struct {
	ID                string          `json:"id"`
	Code              string          `json:"code"`
	Kind              string          `json:"type"`
	Value             decimal.Decimal `json:"value"`
	MinAmount         decimal.Decimal `json:"min_amount"`
	ApplicabilityTag  string          `json:"project_tag"`
	ValidUntil        string          `json:"valid_until"`
	RemainingQuantity int             `json:"remaining_quantity"`
	Description       string          `json:"description"`
}

// PutCoupon handles POST /admin/coupons
func (h *Handler) PutCoupon(w http.ResponseWriter, r *http.Request) {
	var body couponBody
	if !h.decode(w, r, &body) {
		return
	}

	validUntil, err := validation.ParseDate(body.ValidUntil, h.location)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	def := models.CouponDefinition{
		ID:                strings.ToLower(validation.SanitizeString(body.ID)),
		Code:              validation.SanitizeString(body.Code),
		Kind:              models.DiscountKind(strings.ToUpper(validation.SanitizeString(body.Kind))),
		Value:             body.Value,
		MinAmount:         body.MinAmount,
		ApplicabilityTag:  validation.SanitizeString(body.ApplicabilityTag),
		ValidUntil:        validUntil,
		RemainingQuantity: body.RemainingQuantity,
		Description:       validation.SanitizeString(body.Description),
	}

	saved, err := h.engine.PutCoupon(r.Context(), def)
	if err != nil {
		h.respondEngineError(w, err)
		return
	}

	h.respondJSON(w, http.StatusCreated, saved)
}

// decode reads a size-limited JSON body into dst, answering 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if err == io.EOF {
			h.respondError(w, http.StatusBadRequest, "request body is required")
			return false
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		return false
	}
	return true
}

// apiKey prefers the key in the body and falls back to the tracker header.
func (h *Handler) apiKey(r *http.Request, fromBody string) string {
	if key := validation.SanitizeString(fromBody); key != "" {
		return key
	}
	return validation.SanitizeString(r.Header.Get(redmine.APIKeyHeader))
}

func sanitizeAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = validation.SanitizeString(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// respondEngineError maps engine and store errors onto HTTP statuses.
func (h *Handler) respondEngineError(w http.ResponseWriter, err error) {
	var (
		validationErr  *validation.ValidationError
		extractionErr  *budget.ExtractionError
		persistenceErr *service.PersistenceError
	)

	switch {
	case errors.As(err, &validationErr):
		h.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, budget.ErrNoIssues):
		h.respondError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &extractionErr):
		h.respondError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, service.ErrExtractionUnavailable):
		h.respondError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, service.ErrTokenMismatch),
		errors.Is(err, store.ErrSoldOut),
		errors.Is(err, store.ErrAlreadyRedeemed),
		errors.Is(err, store.ErrDuplicateCode):
		h.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrNotFound):
		h.respondError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &persistenceErr):
		h.respondError(w, http.StatusInternalServerError, "redemption recorded but could not be persisted")
	default:
		h.logger.Error("request failed", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// respondJSON sends a JSON response with the given status code.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response with the given status code and message.
func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, models.ErrorResponse{Error: message})
}
