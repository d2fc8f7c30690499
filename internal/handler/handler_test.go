package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"coupon-redemption-api/internal/budget"
	"coupon-redemption-api/internal/database"
	"coupon-redemption-api/internal/features"
	"coupon-redemption-api/internal/models"
	"coupon-redemption-api/internal/redmine"
	"coupon-redemption-api/internal/service"
)

func setupTestHandler(t *testing.T, opts service.Options) (*Handler, func()) {
	dbPath := "./test_handler_" + uuid.New().String() + ".db"
	db, err := database.NewDB(dbPath)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	opts.Store = db
	opts.Location = time.UTC
	h := NewHandlerWithOptions(service.NewEngine(opts), NewHandlerOptions{Location: time.UTC})

	cleanup := func() {
		db.Close()
		os.Remove(dbPath)
	}

	return h, cleanup
}

func setupRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

func doJSON(r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			json.NewEncoder(&buf).Encode(body)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func seedCoupon(t *testing.T, r http.Handler, code, kind string, value, qty int) {
	rr := doJSON(r, "POST", "/admin/coupons", map[string]interface{}{
		"code":               code,
		"type":               kind,
		"value":              value,
		"min_amount":         100,
		"project_tag":        "all",
		"valid_until":        "2099-12-31",
		"remaining_quantity": qty,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("Failed to seed coupon %s: %d %s", code, rr.Code, rr.Body.String())
	}
}

func TestHealthCheck(t *testing.T) {
	h, cleanup := setupTestHandler(t, service.Options{})
	defer cleanup()

	rr := doJSON(setupRouter(h), "GET", "/health", nil)

	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}
	if rr.Body.String() != "OK" {
		t.Errorf("Expected body 'OK', got '%s'", rr.Body.String())
	}
}

func TestPutCoupon_AndList(t *testing.T) {
	h, cleanup := setupTestHandler(t, service.Options{})
	defer cleanup()
	r := setupRouter(h)

	seedCoupon(t, r, "FLAT20", "flat", 20, 3)

	rr := doJSON(r, "GET", "/coupons", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}

	var coupons []models.CouponDefinition
	if err := json.NewDecoder(rr.Body).Decode(&coupons); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(coupons) != 1 {
		t.Fatalf("Expected 1 coupon, got %d", len(coupons))
	}
	if coupons[0].Kind != models.DiscountFlat {
		t.Errorf("Expected kind FLAT, got %s", coupons[0].Kind)
	}
	if coupons[0].RemainingQuantity != 3 {
		t.Errorf("Expected quantity 3, got %d", coupons[0].RemainingQuantity)
	}
}

func TestPutCoupon_Rejected(t *testing.T) {
	h, cleanup := setupTestHandler(t, service.Options{})
	defer cleanup()
	r := setupRouter(h)

	seedCoupon(t, r, "FLAT20", "FLAT", 20, 3)

	tests := []struct {
		name   string
		body   map[string]interface{}
		status int
	}{
		{
			name:   "bad date",
			body:   map[string]interface{}{"code": "X", "type": "FLAT", "value": 1, "project_tag": "all", "valid_until": "31/12/2099"},
			status: http.StatusBadRequest,
		},
		{
			name:   "percentage above 100",
			body:   map[string]interface{}{"code": "X", "type": "PERCENTAGE", "value": 150, "project_tag": "all", "valid_until": "2099-12-31"},
			status: http.StatusBadRequest,
		},
		{
			name:   "duplicate code",
			body:   map[string]interface{}{"code": "flat 20", "type": "FLAT", "value": 5, "project_tag": "all", "valid_until": "2099-12-31"},
			status: http.StatusConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doJSON(r, "POST", "/admin/coupons", tt.body)
			if rr.Code != tt.status {
				t.Errorf("Expected status %d, got %d: %s", tt.status, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestValidateCoupon(t *testing.T) {
	h, cleanup := setupTestHandler(t, service.Options{})
	defer cleanup()
	r := setupRouter(h)

	seedCoupon(t, r, "FLAT20", "FLAT", 20, 3)

	tests := []struct {
		name     string
		body     string
		status   models.Status
		wantDisc string
	}{
		{"numeric budget", `{"project_id":"test-project","coupon_code":"flat20","budget":500}`, models.StatusApplied, "480"},
		{"string budget", `{"project_id":"test-project","coupon_code":"FLAT20","budget":"500"}`, models.StatusApplied, "480"},
		{"malformed budget", `{"project_id":"test-project","coupon_code":"flat20","budget":"lots"}`, models.StatusInvalidAmount, ""},
		{"missing budget", `{"project_id":"test-project","coupon_code":"flat20"}`, models.StatusInvalidAmount, ""},
		{"unknown code", `{"project_id":"test-project","coupon_code":"nope","budget":500}`, models.StatusNotExist, ""},
		{"missing project", `{"coupon_code":"flat20","budget":500}`, models.StatusInvalidProjectID, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doJSON(r, "POST", "/coupons/validate", tt.body)
			if rr.Code != http.StatusOK {
				t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
			}

			var res models.ValidateResult
			if err := json.NewDecoder(rr.Body).Decode(&res); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if res.Status != tt.status {
				t.Errorf("Expected status %s, got %s", tt.status, res.Status)
			}
			if tt.wantDisc != "" {
				if res.DiscountedAmount == nil || !res.DiscountedAmount.Equal(decimal.RequireFromString(tt.wantDisc)) {
					t.Errorf("Expected discounted amount %s, got %v", tt.wantDisc, res.DiscountedAmount)
				}
				if res.Token == "" {
					t.Error("Expected a staging token")
				}
			}
		})
	}
}

func TestValidateCoupon_InvalidJSON(t *testing.T) {
	h, cleanup := setupTestHandler(t, service.Options{})
	defer cleanup()

	rr := doJSON(setupRouter(h), "POST", "/coupons/validate", `{"project_id":`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", rr.Code)
	}
}

func TestPaymentRedirect_CommitsOnSuccess(t *testing.T) {
	h, cleanup := setupTestHandler(t, service.Options{})
	defer cleanup()
	r := setupRouter(h)

	seedCoupon(t, r, "FLAT20", "FLAT", 20, 3)

	rr := doJSON(r, "POST", "/coupons/validate", `{"project_id":"89","coupon_code":"flat20","budget":100}`)
	var staged models.ValidateResult
	json.NewDecoder(rr.Body).Decode(&staged)
	if staged.Status != models.StatusApplied {
		t.Fatalf("Expected coupon to be staged, got %s", staged.Status)
	}

	// A cancelled payment leaves the staged entry alone.
	rr = doJSON(r, "GET", "/payments/redirect/failure?pid=89", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}

	rr = doJSON(r, "GET", "/payments/redirect/success?pid=89&token="+staged.Token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var out models.CommitResult
	json.NewDecoder(rr.Body).Decode(&out)
	if !out.Committed {
		t.Fatal("Expected the redemption to be committed")
	}

	rr = doJSON(r, "GET", "/projects/89/redemption", nil)
	var st models.RedemptionStatus
	json.NewDecoder(rr.Body).Decode(&st)
	if st.Record == nil || st.Record.CouponCode != "flat20" {
		t.Errorf("Expected a committed record for flat20, got %+v", st.Record)
	}
	if st.Pending != nil {
		t.Error("Expected no pending entry after commit")
	}

	// Second confirmation is a no-op.
	rr = doJSON(r, "POST", "/coupons/commit", `{"project_id":"89"}`)
	out = models.CommitResult{}
	json.NewDecoder(rr.Body).Decode(&out)
	if rr.Code != http.StatusOK || out.Committed {
		t.Errorf("Expected no-op commit, got %d committed=%v", rr.Code, out.Committed)
	}

	rr = doJSON(r, "GET", "/coupons", nil)
	var coupons []models.CouponDefinition
	json.NewDecoder(rr.Body).Decode(&coupons)
	if coupons[0].RemainingQuantity != 2 {
		t.Errorf("Expected quantity 2, got %d", coupons[0].RemainingQuantity)
	}
}

func TestCommitCoupon_TokenMismatch(t *testing.T) {
	h, cleanup := setupTestHandler(t, service.Options{})
	defer cleanup()
	r := setupRouter(h)

	seedCoupon(t, r, "FLAT20", "FLAT", 20, 3)
	doJSON(r, "POST", "/coupons/validate", `{"project_id":"89","coupon_code":"flat20","budget":100}`)

	rr := doJSON(r, "POST", "/coupons/commit", `{"project_id":"89","token":"stale"}`)
	if rr.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", rr.Code)
	}
}

func TestQuote_WithoutExtractor(t *testing.T) {
	h, cleanup := setupTestHandler(t, service.Options{})
	defer cleanup()

	rr := doJSON(setupRouter(h), "POST", "/coupons/quote", `{"project_id":"89","coupon_code":"flat20","issues":["1"]}`)
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", rr.Code)
	}
}

func TestBudgetAndQuote(t *testing.T) {
	tracker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(redmine.APIKeyHeader) != "secret" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/issues/")
		amounts := map[string]string{"1": "₹300", "2": "₹1,200"}
		amount, ok := amounts[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`<table class="billing-details"><tbody><tr><th>Budget</th><td>` + amount + `</td></tr></tbody></table>`))
	}))
	defer tracker.Close()

	extractor := budget.NewExtractor(budget.NewHTMLSource(redmine.NewClient(tracker.URL, "", time.Second)), 2, nil)
	h, cleanup := setupTestHandler(t, service.Options{Budget: extractor})
	defer cleanup()
	r := setupRouter(h)

	seedCoupon(t, r, "TENOFF", "PERCENTAGE", 10, 1)

	rr := doJSON(r, "POST", "/budget", `{"api_key":"secret","issues":["1","2"]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var quote models.BudgetQuote
	json.NewDecoder(rr.Body).Decode(&quote)
	if !quote.Amount.Equal(decimal.NewFromInt(1500)) {
		t.Errorf("Expected budget 1500, got %s", quote.Amount)
	}

	rr = doJSON(r, "POST", "/budget", `{"api_key":"secret","issues":["1","3"]}`)
	if rr.Code != http.StatusBadGateway {
		t.Errorf("Expected status 502 for an unreadable issue, got %d", rr.Code)
	}

	rr = doJSON(r, "POST", "/budget", `{"api_key":"secret","issues":[]}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for no issues, got %d", rr.Code)
	}

	rr = doJSON(r, "POST", "/coupons/quote", `{"project_id":"89","coupon_code":"tenoff","issues":["1","2"],"api_key":"secret"}`)
	var res models.ValidateResult
	json.NewDecoder(rr.Body).Decode(&res)
	if res.Status != models.StatusApplied || !res.DiscountedAmount.Equal(decimal.NewFromInt(1350)) {
		t.Errorf("Expected 1350 after discount, got %s %v", res.Status, res.DiscountedAmount)
	}
}

func TestRegister_FeatureGates(t *testing.T) {
	h, cleanup := setupTestHandler(t, service.Options{})
	defer cleanup()
	h.features = features.Defaults(false, false)
	h.features.Apply(map[string]bool{features.AdminAPI: false})
	r := setupRouter(h)

	rr := doJSON(r, "POST", "/admin/coupons", `{}`)
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected admin routes to be unmounted, got %d", rr.Code)
	}

	rr = doJSON(r, "POST", "/coupons/quote", `{}`)
	if rr.Code == http.StatusOK || rr.Code == http.StatusServiceUnavailable {
		t.Errorf("Expected quote route to be unmounted, got %d", rr.Code)
	}

	rr = doJSON(r, "POST", "/coupons/validate", `{"project_id":"89","coupon_code":"x","budget":1}`)
	if rr.Code != http.StatusOK {
		t.Errorf("Expected validate to stay mounted, got %d", rr.Code)
	}
}

func TestListRedemptions(t *testing.T) {
	h, cleanup := setupTestHandler(t, service.Options{})
	defer cleanup()
	r := setupRouter(h)

	seedCoupon(t, r, "FLAT20", "FLAT", 20, 3)
	doJSON(r, "POST", "/coupons/validate", `{"project_id":"42","coupon_code":"flat20","budget":250}`)
	doJSON(r, "POST", "/coupons/commit", `{"project_id":"42"}`)

	doJSON(r, "POST", "/coupons/validate", `{"project_id":"43","coupon_code":"flat20","budget":250}`)
	rr := doJSON(r, "GET", "/admin/pending", nil)
	var pending []models.PendingRedemption
	json.NewDecoder(rr.Body).Decode(&pending)
	if len(pending) != 1 || pending[0].ProjectID != "43" {
		t.Errorf("Expected only project 43 to be pending, got %+v", pending)
	}

	rr = doJSON(r, "GET", "/admin/redemptions", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}

	var records []models.RedemptionRecord
	json.NewDecoder(rr.Body).Decode(&records)
	if len(records) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(records))
	}
	if !records[0].DiscountedAmount.Equal(decimal.NewFromInt(230)) {
		t.Errorf("Expected discounted amount 230, got %s", records[0].DiscountedAmount)
	}
}
