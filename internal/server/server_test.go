package server

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tronpay-io/tronpay/internal/config"
	"github.com/tronpay-io/tronpay/internal/tron"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// mockGateway implements tron.Gateway for testing
type mockGateway struct{}

func (m *mockGateway) CreateAccount(ctx context.Context) (*tron.Account, error) {
	return tron.GenerateAccount()
}

func (m *mockGateway) NativeBalance(ctx context.Context, address string) (int64, error) {
	return 1_000_000, nil
}

func (m *mockGateway) TokenBalance(ctx context.Context, address string) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (m *mockGateway) IsActivated(ctx context.Context, address string) (bool, error) {
	return true, nil
}

func (m *mockGateway) SendNative(ctx context.Context, to string, amountSun int64) (*tron.TxResult, error) {
	return &tron.TxResult{TxID: "tx-native", Accepted: true}, nil
}

func (m *mockGateway) SendNativeFrom(ctx context.Context, signingKey, to string, amountSun int64) (*tron.TxResult, error) {
	return &tron.TxResult{TxID: "tx-native-from", Accepted: true}, nil
}

func (m *mockGateway) SendToken(ctx context.Context, signingKey, to string, amount *big.Int) (*tron.TxResult, error) {
	return &tron.TxResult{TxID: "tx-token", Accepted: true}, nil
}

func (m *mockGateway) FeeWalletAddress() string {
	return "TFeeWa11etAddressXXXXXXXXXXXXXXXXX"
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:            "0",
		Env:             "development",
		LogLevel:        "error",
		NodeURL:         "https://api.trongrid.io",
		USDTContract:    config.DefaultUSDTContract,
		TreasuryAddress: "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t",
		FeeWalletKey:    "0000000000000000000000000000000000000000000000000000000000000001",
		EncryptionKey:   "test-envelope-passphrase",
		AdminSecret:     "test-admin-secret",
		SessionTTL:      30 * time.Minute,
		PollInterval:    time.Minute,
		RateLimitRPS:    1000,
	}
}

// newTestServer creates a server with mock dependencies
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithLedger(&mockGateway{}))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(s.rateLimiter.Stop)
	return s
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/live", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/ready", nil)
	s.router.ServeHTTP(w, req)

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"POST:/api/payments",
		"GET:/api/payments/check",
		"GET:/api/payments/:orderId",
		"POST:/api/payments/sweep",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Core route %s not registered", e)
		}
	}
}

func TestAdminRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	adminRoutes := map[string]bool{
		"GET:/api/admin/payments":            false,
		"GET:/api/admin/payments/:orderId":   false,
		"POST:/api/admin/payments/sweep":     false,
		"POST:/api/admin/payments/sweep-all": false,
		"POST:/api/admin/payments/topup":     false,
		"POST:/api/admin/callbacks/retry":    false,
		"GET:/api/admin/wallet":              false,
	}

	for _, route := range routes {
		key := route.Method + ":" + route.Path
		if _, ok := adminRoutes[key]; ok {
			adminRoutes[key] = true
		}
	}

	for route, found := range adminRoutes {
		if !found {
			t.Errorf("Admin route %s not registered", route)
		}
	}
}

// ---------------------------------------------------------------------------
// Payment flow through the full stack
// ---------------------------------------------------------------------------

func TestCreatePaymentSession(t *testing.T) {
	s := newTestServer(t)

	body := `{"orderId":"order-e2e-1","amount":"25.50"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/payments", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated && w.Code != http.StatusOK {
		t.Fatalf("Expected 201 or 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Session struct {
			Address string `json:"address"`
			Status  string `json:"status"`
		} `json:"session"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if resp.Session.Address == "" {
		t.Error("Expected deposit address in response")
	}
	if resp.Session.Status != "pending" {
		t.Errorf("Expected pending session, got %q", resp.Session.Status)
	}
}

// ---------------------------------------------------------------------------
// Admin gate
// ---------------------------------------------------------------------------

func TestAdminRequiresSecret(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/admin/payments", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without secret, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/api/admin/payments", nil)
	req.Header.Set("X-Admin-Secret", "test-admin-secret")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 with secret, got %d: %s", w.Code, w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/nonexistent", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
