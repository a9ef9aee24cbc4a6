package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"payflow/pkg/auth"
	"payflow/pkg/cache"
	"payflow/pkg/metrics"
	"payflow/pkg/payments"
	"payflow/pkg/store/memory"
)

type testEnv struct {
	server *Server
	store  *memory.Store
	token  string
	keyID  string
}

func setupServer(t *testing.T) *testEnv {
	t.Helper()

	st := memory.New()

	token, err := auth.GenerateToken()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	key := &auth.Key{
		ID:        "key-1",
		OwnerID:   "acct-1",
		Name:      "Test",
		Prefix:    auth.DisplayPrefix(token),
		Hash:      auth.HashToken(token),
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := st.InsertKey(context.Background(), key); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	authenticator := auth.NewAuthenticator(st, auth.DefaultConfig(), nil)
	if err := authenticator.Seed(context.Background()); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	memCache := cache.NewMemory(time.Hour)
	t.Cleanup(func() { memCache.Close() })

	server := NewServer(
		payments.NewService(st, nil),
		authenticator,
		st,
		cache.NewLoader(memCache, time.Minute),
		metrics.New("test"),
		nil,
		DefaultConfig(),
	)

	return &testEnv{server: server, store: st, token: token, keyID: key.ID}
}

func (e *testEnv) request(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("Expected valid JSON response, got error %v: %s", err, rec.Body.String())
	}
	return out
}

func assertErrorType(t *testing.T, rec *httptest.ResponseRecorder, wantType string) {
	t.Helper()
	body := decodeResponse(t, rec)
	errObj, ok := body["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected error envelope, got %s", rec.Body.String())
	}
	if errObj["type"] != wantType {
		t.Errorf("Expected error type %q, got %v", wantType, errObj["type"])
	}
	if msg, _ := errObj["message"].(string); msg == "" {
		t.Error("Expected a non-empty error message")
	}
}

func TestAuth_MissingAndInvalidKeys(t *testing.T) {
	env := setupServer(t)

	cases := []struct {
		name  string
		token string
	}{
		{"no credential", ""},
		{"unknown token", auth.TokenPrefix + "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"},
		{"wrong prefix", "sk_test_AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.request(http.MethodGet, "/payments", tc.token, nil)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("Expected status 401, got %d", rec.Code)
			}
			assertErrorType(t, rec, errTypeAuth)
		})
	}
}

func TestAuth_RevokedKey(t *testing.T) {
	env := setupServer(t)
	ctx := context.Background()

	rec := env.request(http.MethodGet, "/payments", env.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200 before revocation, got %d", rec.Code)
	}

	if err := env.store.SetKeyActive(ctx, env.keyID, false); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	rec = env.request(http.MethodGet, "/payments", env.token, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("Expected status 401 after revocation, got %d", rec.Code)
	}
	assertErrorType(t, rec, errTypeAuth)
}

func TestCreatePayment(t *testing.T) {
	env := setupServer(t)

	desc := "August invoice"
	rec := env.request(http.MethodPost, "/payments", env.token, map[string]interface{}{
		"amount":      5000,
		"currency":    "usd",
		"customer":    "Alice",
		"description": desc,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", rec.Code, rec.Body.String())
	}

	body := decodeResponse(t, rec)
	if body["object"] != "payment" {
		t.Errorf("Expected object payment, got %v", body["object"])
	}
	if body["amount"] != float64(5000) {
		t.Errorf("Expected amount 5000, got %v", body["amount"])
	}
	if body["currency"] != "usd" {
		t.Errorf("Expected currency usd, got %v", body["currency"])
	}
	if body["customer"] != "Alice" {
		t.Errorf("Expected customer Alice, got %v", body["customer"])
	}
	if body["description"] != desc {
		t.Errorf("Expected description echoed, got %v", body["description"])
	}
	if body["status"] != "succeeded" {
		t.Errorf("Expected status succeeded, got %v", body["status"])
	}
	if id, _ := body["id"].(string); id == "" {
		t.Error("Expected a transaction ID")
	}
	if created, _ := body["created"].(string); created == "" {
		t.Error("Expected a created timestamp")
	}
}

func TestCreatePayment_Validation(t *testing.T) {
	env := setupServer(t)

	cases := []struct {
		name     string
		body     map[string]interface{}
		wantType string
	}{
		{"missing amount", map[string]interface{}{"customer": "Alice"}, errTypeInvalid},
		{"missing customer", map[string]interface{}{"amount": 100}, errTypeInvalid},
		{"zero amount", map[string]interface{}{"amount": 0, "customer": "Alice"}, errTypeInvalid},
		{"negative amount", map[string]interface{}{"amount": -500, "customer": "Alice"}, errTypeInvalid},
		{"fractional amount", map[string]interface{}{"amount": 10.5, "customer": "Alice"}, errTypeInvalid},
		{"string amount", map[string]interface{}{"amount": "lots", "customer": "Alice"}, errTypeMalformedBody},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.request(http.MethodPost, "/payments", env.token, tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("Expected status 400, got %d: %s", rec.Code, rec.Body.String())
			}
			assertErrorType(t, rec, tc.wantType)
		})
	}
}

func TestCreatePayment_MalformedBody(t *testing.T) {
	env := setupServer(t)

	req := httptest.NewRequest(http.MethodPost, "/payments", bytes.NewBufferString("{not json"))
	req.Header.Set("Authorization", "Bearer "+env.token)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", rec.Code)
	}
	assertErrorType(t, rec, errTypeMalformedBody)
}

func TestCreateRefund(t *testing.T) {
	env := setupServer(t)

	rec := env.request(http.MethodPost, "/payments", env.token, map[string]interface{}{
		"amount": 10000, "customer": "Alice",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d", rec.Code)
	}

	reason := "requested_by_customer"
	rec = env.request(http.MethodPost, "/refunds", env.token, map[string]interface{}{
		"amount": 4000, "customer": "Alice", "reason": reason,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", rec.Code, rec.Body.String())
	}

	body := decodeResponse(t, rec)
	if body["object"] != "refund" {
		t.Errorf("Expected object refund, got %v", body["object"])
	}
	if body["amount"] != float64(4000) {
		t.Errorf("Expected amount 4000, got %v", body["amount"])
	}
	if body["reason"] != reason {
		t.Errorf("Expected reason echoed, got %v", body["reason"])
	}
}

func TestCreateRefund_ExceedsBalance(t *testing.T) {
	env := setupServer(t)

	rec := env.request(http.MethodPost, "/payments", env.token, map[string]interface{}{
		"amount": 3000, "customer": "Alice",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d", rec.Code)
	}

	rec = env.request(http.MethodPost, "/refunds", env.token, map[string]interface{}{
		"amount": 3001, "customer": "Alice",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d: %s", rec.Code, rec.Body.String())
	}
	assertErrorType(t, rec, errTypeInvalid)

	// The ledger must be untouched by the rejected refund.
	rec = env.request(http.MethodGet, "/balance", env.token, nil)
	body := decodeResponse(t, rec)
	if body["amount"] != float64(3000) {
		t.Errorf("Expected balance 3000 after rejected refund, got %v", body["amount"])
	}
}

func TestListPayments_LimitAndOrder(t *testing.T) {
	env := setupServer(t)

	for i := 0; i < 25; i++ {
		rec := env.request(http.MethodPost, "/payments", env.token, map[string]interface{}{
			"amount": 100 + i, "customer": "Alice",
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("Expected status 201, got %d", rec.Code)
		}
	}

	rec := env.request(http.MethodGet, "/payments", env.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}

	body := decodeResponse(t, rec)
	if body["object"] != "list" {
		t.Errorf("Expected object list, got %v", body["object"])
	}
	data, ok := body["data"].([]interface{})
	if !ok {
		t.Fatalf("Expected data array, got %T", body["data"])
	}
	if len(data) != 20 {
		t.Fatalf("Expected 20 items, got %d", len(data))
	}
	first := data[0].(map[string]interface{})
	if first["amount"] != float64(124) {
		t.Errorf("Expected newest payment first (amount 124), got %v", first["amount"])
	}
	last := data[19].(map[string]interface{})
	if last["amount"] != float64(105) {
		t.Errorf("Expected oldest listed payment amount 105, got %v", last["amount"])
	}
}

func TestListPayments_ExcludesRefunds(t *testing.T) {
	env := setupServer(t)

	env.request(http.MethodPost, "/payments", env.token, map[string]interface{}{
		"amount": 1000, "customer": "Alice",
	})
	env.request(http.MethodPost, "/refunds", env.token, map[string]interface{}{
		"amount": 200, "customer": "Alice",
	})

	rec := env.request(http.MethodGet, "/payments", env.token, nil)
	data := decodeResponse(t, rec)["data"].([]interface{})
	if len(data) != 1 {
		t.Fatalf("Expected 1 payment, got %d", len(data))
	}

	rec = env.request(http.MethodGet, "/refunds", env.token, nil)
	data = decodeResponse(t, rec)["data"].([]interface{})
	if len(data) != 1 {
		t.Fatalf("Expected 1 refund, got %d", len(data))
	}
	item := data[0].(map[string]interface{})
	if item["object"] != "refund" {
		t.Errorf("Expected object refund, got %v", item["object"])
	}
}

func TestListPayments_CacheHitAndInvalidation(t *testing.T) {
	env := setupServer(t)

	env.request(http.MethodPost, "/payments", env.token, map[string]interface{}{
		"amount": 1000, "customer": "Alice",
	})

	rec := env.request(http.MethodGet, "/payments", env.token, nil)
	if got := rec.Header().Get("X-Cache-Hit"); got != "false" {
		t.Errorf("Expected X-Cache-Hit false on first read, got %q", got)
	}

	rec = env.request(http.MethodGet, "/payments", env.token, nil)
	if got := rec.Header().Get("X-Cache-Hit"); got != "true" {
		t.Errorf("Expected X-Cache-Hit true on second read, got %q", got)
	}

	// A write invalidates the listing; the next read recomputes and sees it.
	env.request(http.MethodPost, "/payments", env.token, map[string]interface{}{
		"amount": 2000, "customer": "Bob",
	})

	rec = env.request(http.MethodGet, "/payments", env.token, nil)
	if got := rec.Header().Get("X-Cache-Hit"); got != "false" {
		t.Errorf("Expected X-Cache-Hit false after write, got %q", got)
	}
	data := decodeResponse(t, rec)["data"].([]interface{})
	if len(data) != 2 {
		t.Errorf("Expected 2 payments after write, got %d", len(data))
	}
}

func TestBalance(t *testing.T) {
	env := setupServer(t)

	rec := env.request(http.MethodGet, "/balance", env.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	body := decodeResponse(t, rec)
	if body["amount"] != float64(0) {
		t.Errorf("Expected balance 0 for empty ledger, got %v", body["amount"])
	}

	env.request(http.MethodPost, "/payments", env.token, map[string]interface{}{
		"amount": 10000, "customer": "Alice",
	})
	env.request(http.MethodPost, "/refunds", env.token, map[string]interface{}{
		"amount": 2500, "customer": "Alice",
	})

	rec = env.request(http.MethodGet, "/balance", env.token, nil)
	body = decodeResponse(t, rec)
	if body["object"] != "balance" {
		t.Errorf("Expected object balance, got %v", body["object"])
	}
	if body["amount"] != float64(7500) {
		t.Errorf("Expected balance 7500, got %v", body["amount"])
	}
	if body["currency"] != "usd" {
		t.Errorf("Expected currency usd, got %v", body["currency"])
	}
}

func TestListCustomers(t *testing.T) {
	env := setupServer(t)

	rec := env.request(http.MethodGet, "/customers", env.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	data, ok := decodeResponse(t, rec)["data"].([]interface{})
	if !ok {
		t.Fatal("Expected data to be an array even when empty")
	}
	if len(data) != 0 {
		t.Errorf("Expected no customers, got %d", len(data))
	}

	env.request(http.MethodPost, "/payments", env.token, map[string]interface{}{
		"amount": 2000, "customer": "Bob",
	})
	env.request(http.MethodPost, "/payments", env.token, map[string]interface{}{
		"amount": 5000, "customer": "Alice",
	})

	rec = env.request(http.MethodGet, "/customers", env.token, nil)
	data = decodeResponse(t, rec)["data"].([]interface{})
	if len(data) != 2 {
		t.Fatalf("Expected 2 customers, got %d", len(data))
	}
	first := data[0].(map[string]interface{})
	if first["name"] != "Alice" {
		t.Errorf("Expected Alice first by total paid, got %v", first["name"])
	}
	if first["total_paid"] != float64(5000) {
		t.Errorf("Expected Alice total paid 5000, got %v", first["total_paid"])
	}
}

func TestOwnersAreIsolated(t *testing.T) {
	env := setupServer(t)
	ctx := context.Background()

	otherToken, err := auth.GenerateToken()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if err := env.store.InsertKey(ctx, &auth.Key{
		ID:        "key-2",
		OwnerID:   "acct-2",
		Hash:      auth.HashToken(otherToken),
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	rec := env.request(http.MethodPost, "/payments", env.token, map[string]interface{}{
		"amount": 9000, "customer": "Alice",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d", rec.Code)
	}

	// acct-2 sees its own empty ledger, not acct-1's.
	env2 := reseedServer(t, env)
	rec = env2.request(http.MethodGet, "/payments", otherToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	data := decodeResponse(t, rec)["data"].([]interface{})
	if len(data) != 0 {
		t.Errorf("Expected acct-2 to see no payments, got %d", len(data))
	}

	rec = env2.request(http.MethodGet, "/balance", otherToken, nil)
	if got := decodeResponse(t, rec)["amount"]; got != float64(0) {
		t.Errorf("Expected acct-2 balance 0, got %v", got)
	}
}

// reseedServer rebuilds the server over the same store so the
// authenticator's filter includes keys inserted after the first seed.
func reseedServer(t *testing.T, env *testEnv) *testEnv {
	t.Helper()

	authenticator := auth.NewAuthenticator(env.store, auth.DefaultConfig(), nil)
	if err := authenticator.Seed(context.Background()); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	memCache := cache.NewMemory(time.Hour)
	t.Cleanup(func() { memCache.Close() })

	server := NewServer(
		payments.NewService(env.store, nil),
		authenticator,
		env.store,
		cache.NewLoader(memCache, time.Minute),
		metrics.New("test"),
		nil,
		DefaultConfig(),
	)
	return &testEnv{server: server, store: env.store}
}

func TestHealth(t *testing.T) {
	env := setupServer(t)

	rec := env.request(http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if got := decodeResponse(t, rec)["status"]; got != "ok" {
		t.Errorf("Expected status ok, got %v", got)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	env := setupServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "req-123" {
		t.Errorf("Expected supplied request ID echoed, got %q", got)
	}

	rec2 := env.request(http.MethodGet, "/health", "", nil)
	if rec2.Header().Get("X-Request-ID") == "" {
		t.Error("Expected a generated request ID")
	}
}
