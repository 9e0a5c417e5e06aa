package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tronpay-io/tronpay/internal/payment"
	"github.com/tronpay-io/tronpay/internal/tron"
	"github.com/tronpay-io/tronpay/internal/validation"
)

// PaymentService abstracts the settlement operations admin handlers drive.
type PaymentService interface {
	Active(ctx context.Context, limit int) ([]*payment.Session, error)
	Status(ctx context.Context, orderID string) (*payment.Session, error)
	Events(ctx context.Context, sessionID string) ([]*payment.LedgerEvent, error)
	SweepNow(ctx context.Context, address string) error
	RedeliverCallbacks(ctx context.Context, limit int)
}

// Treasury abstracts the fee wallet operations for gas top-ups.
type Treasury interface {
	SendNative(ctx context.Context, to string, amountSun int64) (*tron.TxResult, error)
	NativeBalance(ctx context.Context, address string) (int64, error)
	FeeWalletAddress() string
}

// Handler provides admin HTTP endpoints.
type Handler struct {
	payments PaymentService
	treasury Treasury
}

// NewHandler creates a new admin handler.
func NewHandler(payments PaymentService, treasury Treasury) *Handler {
	return &Handler{payments: payments, treasury: treasury}
}

// RegisterRoutes sets up admin routes. Callers are expected to have the
// group behind RequireSecret.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/payments", h.listActive)
	r.GET("/admin/payments/:orderId", h.getSession)
	r.POST("/admin/payments/sweep", h.sweepOne)
	r.POST("/admin/payments/sweep-all", h.sweepAll)
	r.POST("/admin/payments/topup", h.topUp)
	r.POST("/admin/callbacks/retry", h.retryCallbacks)
	r.GET("/admin/wallet", h.walletStatus)
}

// listActive returns the sessions the poller still watches.
func (h *Handler) listActive(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 100, 1000)

	sessions, err := h.payments.Active(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

// getSession returns one session with its full audit trail.
func (h *Handler) getSession(c *gin.Context) {
	sess, err := h.payments.Status(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		if errors.Is(err, payment.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Payment session not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	events, err := h.payments.Events(c.Request.Context(), sess.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": sess, "events": events})
}

// SweepOneRequest targets a single deposit address.
type SweepOneRequest struct {
	Address string `json:"address" binding:"required"`
}

// sweepOne triggers a manual sweep for one deposit address.
func (h *Handler) sweepOne(c *gin.Context) {
	var req SweepOneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	err := h.payments.SweepNow(c.Request.Context(), req.Address)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"swept": true, "address": req.Address})
	case errors.Is(err, payment.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No payment session for this address",
		})
	case errors.Is(err, payment.ErrAlreadyTransferred):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_transferred",
			"message": "Session already swept to treasury",
		})
	case errors.Is(err, payment.ErrNoBalance):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "no_balance",
			"message": "Address holds no token balance",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "sweep_failed",
			"message": err.Error(),
		})
	}
}

// sweepAll walks every watched session and sweeps the ones holding a
// balance. Empty and already-swept addresses are skipped, not errors.
func (h *Handler) sweepAll(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 100, 1000)

	sessions, err := h.payments.Active(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": err.Error(),
		})
		return
	}

	swept := make([]string, 0)
	failed := make(map[string]string)
	for _, sess := range sessions {
		if c.Request.Context().Err() != nil {
			break
		}
		err := h.payments.SweepNow(c.Request.Context(), sess.Address)
		switch {
		case err == nil:
			swept = append(swept, sess.Address)
		case errors.Is(err, payment.ErrNoBalance),
			errors.Is(err, payment.ErrAlreadyTransferred):
			// Nothing to move.
		default:
			failed[sess.Address] = err.Error()
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"sweptCount": len(swept),
		"swept":      swept,
		"failed":     failed,
	})
}

// TopUpRequest funds a deposit address with native TRX for fees.
type TopUpRequest struct {
	Address   string `json:"address" binding:"required"`
	AmountSun int64  `json:"amountSun" binding:"required"`
}

// topUp sends TRX from the fee wallet to a deposit address.
func (h *Handler) topUp(c *gin.Context) {
	var req TopUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if !validation.IsValidAddress(req.Address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "address must be a valid deposit address",
		})
		return
	}
	if req.AmountSun <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "amountSun must be positive",
		})
		return
	}

	res, err := h.treasury.SendNative(c.Request.Context(), req.Address, req.AmountSun)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "topup_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"tx": res.TxID, "accepted": res.Accepted})
}

// retryCallbacks redelivers pending merchant notifications.
func (h *Handler) retryCallbacks(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 100, 1000)
	h.payments.RedeliverCallbacks(c.Request.Context(), limit)
	c.JSON(http.StatusOK, gin.H{"triggered": true})
}

// walletStatus reports the fee wallet address and its native balance.
func (h *Handler) walletStatus(c *gin.Context) {
	addr := h.treasury.FeeWalletAddress()
	bal, err := h.treasury.NativeBalance(c.Request.Context(), addr)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_read_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"address": addr, "balanceSun": bal})
}

func parseLimit(raw string, def, max int) int {
	if raw == "" {
		return def
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 || parsed > max {
		return def
	}
	return parsed
}
