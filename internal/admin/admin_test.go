package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/tronpay-io/tronpay/internal/payment"
	"github.com/tronpay-io/tronpay/internal/tron"
)

type fakePayments struct {
	sessions   []*payment.Session
	sweepErrs  map[string]error
	sweptAddrs []string
	redeliver  int
}

func (f *fakePayments) Active(_ context.Context, limit int) ([]*payment.Session, error) {
	if len(f.sessions) > limit {
		return f.sessions[:limit], nil
	}
	return f.sessions, nil
}

func (f *fakePayments) Status(_ context.Context, orderID string) (*payment.Session, error) {
	for _, s := range f.sessions {
		if s.OrderID == orderID {
			return s, nil
		}
	}
	return nil, payment.ErrSessionNotFound
}

func (f *fakePayments) Events(context.Context, string) ([]*payment.LedgerEvent, error) {
	return nil, nil
}

func (f *fakePayments) SweepNow(_ context.Context, address string) error {
	if err, ok := f.sweepErrs[address]; ok {
		return err
	}
	f.sweptAddrs = append(f.sweptAddrs, address)
	return nil
}

func (f *fakePayments) RedeliverCallbacks(_ context.Context, limit int) {
	f.redeliver++
}

type fakeTreasury struct {
	sends   []int64
	sendErr error
}

func (f *fakeTreasury) SendNative(_ context.Context, to string, amountSun int64) (*tron.TxResult, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sends = append(f.sends, amountSun)
	return &tron.TxResult{TxID: "tx-1", Accepted: true}, nil
}

func (f *fakeTreasury) NativeBalance(context.Context, string) (int64, error) {
	return 5_000_000, nil
}

func (f *fakeTreasury) FeeWalletAddress() string {
	return "TFeeWa11etaaaaaaaaaaaaaaaaaaaaaaaa"
}

func adminRouter(t *testing.T, payments *fakePayments, treasury *fakeTreasury, secret string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	grp := r.Group("/api", RequireSecret(secret))
	NewHandler(payments, treasury).RegisterRoutes(grp)
	return r
}

func adminJSON(t *testing.T, r *gin.Engine, method, path, secret string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("X-Admin-Secret", secret)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequireSecret(t *testing.T) {
	r := adminRouter(t, &fakePayments{}, &fakeTreasury{}, "hunter2")

	if w := adminJSON(t, r, http.MethodGet, "/api/admin/payments", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("missing secret status = %d, want 401", w.Code)
	}
	if w := adminJSON(t, r, http.MethodGet, "/api/admin/payments", "wrong", nil); w.Code != http.StatusForbidden {
		t.Errorf("wrong secret status = %d, want 403", w.Code)
	}
	if w := adminJSON(t, r, http.MethodGet, "/api/admin/payments", "hunter2", nil); w.Code != http.StatusOK {
		t.Errorf("valid secret status = %d, want 200", w.Code)
	}
}

func TestRequireSecretDisabled(t *testing.T) {
	r := adminRouter(t, &fakePayments{}, &fakeTreasury{}, "")

	w := adminJSON(t, r, http.MethodGet, "/api/admin/payments", "anything", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("disabled admin status = %d, want 503", w.Code)
	}
}

func TestListActive(t *testing.T) {
	payments := &fakePayments{sessions: []*payment.Session{
		{OrderID: "order-1", Address: "TAddr1", Status: payment.StatusPending},
		{OrderID: "order-2", Address: "TAddr2", Status: payment.StatusConfirmed},
	}}
	r := adminRouter(t, payments, &fakeTreasury{}, "s")

	w := adminJSON(t, r, http.MethodGet, "/api/admin/payments", "s", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 2 {
		t.Errorf("count = %d, want 2", resp.Count)
	}
}

func TestSweepAllSkipsEmptyAndFailedAddresses(t *testing.T) {
	payments := &fakePayments{
		sessions: []*payment.Session{
			{OrderID: "order-1", Address: "TAddr1"},
			{OrderID: "order-2", Address: "TAddr2"},
			{OrderID: "order-3", Address: "TAddr3"},
		},
		sweepErrs: map[string]error{
			"TAddr2": payment.ErrNoBalance,
			"TAddr3": errors.New("node down"),
		},
	}
	r := adminRouter(t, payments, &fakeTreasury{}, "s")

	w := adminJSON(t, r, http.MethodPost, "/api/admin/payments/sweep-all", "s", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		SweptCount int               `json:"sweptCount"`
		Failed     map[string]string `json:"failed"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.SweptCount != 1 {
		t.Errorf("sweptCount = %d, want 1", resp.SweptCount)
	}
	if len(resp.Failed) != 1 || resp.Failed["TAddr3"] == "" {
		t.Errorf("failed = %v", resp.Failed)
	}
}

func TestSweepOneConflict(t *testing.T) {
	payments := &fakePayments{sweepErrs: map[string]error{
		"TAddr1": payment.ErrAlreadyTransferred,
	}}
	r := adminRouter(t, payments, &fakeTreasury{}, "s")

	w := adminJSON(t, r, http.MethodPost, "/api/admin/payments/sweep", "s",
		SweepOneRequest{Address: "TAddr1"})
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestTopUp(t *testing.T) {
	treasury := &fakeTreasury{}
	r := adminRouter(t, &fakePayments{}, treasury, "s")

	w := adminJSON(t, r, http.MethodPost, "/api/admin/payments/topup", "s",
		TopUpRequest{Address: "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t", AmountSun: 1_000_000})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if len(treasury.sends) != 1 || treasury.sends[0] != 1_000_000 {
		t.Errorf("sends = %v", treasury.sends)
	}

	w = adminJSON(t, r, http.MethodPost, "/api/admin/payments/topup", "s",
		TopUpRequest{Address: "garbage", AmountSun: 1_000_000})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad address status = %d, want 400", w.Code)
	}
}

func TestRetryCallbacks(t *testing.T) {
	payments := &fakePayments{}
	r := adminRouter(t, payments, &fakeTreasury{}, "s")

	w := adminJSON(t, r, http.MethodPost, "/api/admin/callbacks/retry", "s", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if payments.redeliver != 1 {
		t.Errorf("redeliver calls = %d, want 1", payments.redeliver)
	}
}

func TestWalletStatus(t *testing.T) {
	r := adminRouter(t, &fakePayments{}, &fakeTreasury{}, "s")

	w := adminJSON(t, r, http.MethodGet, "/api/admin/wallet", "s", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp struct {
		Address    string `json:"address"`
		BalanceSun int64  `json:"balanceSun"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Address == "" || resp.BalanceSun != 5_000_000 {
		t.Errorf("wallet = %+v", resp)
	}
}
