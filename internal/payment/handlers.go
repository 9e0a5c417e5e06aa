package payment

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tronpay-io/tronpay/internal/security"
	"github.com/tronpay-io/tronpay/internal/validation"
)

// Handler provides HTTP endpoints for payment operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new payment handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the merchant-facing payment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments", h.InitializeSession)
	r.GET("/payments/check", h.Check)
	r.GET("/payments/:orderId", h.GetSession)
	r.POST("/payments/sweep", h.SweepNow)
}

// InitializeRequest contains the parameters for creating a session.
type InitializeRequest struct {
	OrderID     string `json:"orderId" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	CallbackURL string `json:"callbackUrl"`
}

// InitializeSession handles POST /api/payments
func (h *Handler) InitializeSession(c *gin.Context) {
	var req InitializeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidOrderID("orderId", req.OrderID),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	if req.CallbackURL != "" {
		if err := security.ValidateCallbackURL(req.CallbackURL); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_callback_url",
				"message": err.Error(),
			})
			return
		}
	}

	sess, err := h.service.InitializeSession(c.Request.Context(), req.OrderID, req.Amount, req.CallbackURL)
	if err != nil {
		if errors.Is(err, ErrInvalidAmount) || errors.Is(err, ErrInvalidOrderID) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "session_failed",
			"message": "Failed to create payment session",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"session": sess})
}

// Check handles GET /api/payments/check?address=...&amount=...
func (h *Handler) Check(c *gin.Context) {
	address := c.Query("address")
	amount := c.Query("amount")

	if !validation.IsValidAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "address query parameter must be a valid deposit address",
		})
		return
	}

	result, err := h.service.Check(c.Request.Context(), address, amount)
	if err != nil {
		switch {
		case errors.Is(err, ErrSessionNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No payment session for this address",
			})
		case errors.Is(err, ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "check_failed",
				"message": "Failed to check payment status",
			})
		}
		return
	}

	c.JSON(http.StatusOK, result)
}

// GetSession handles GET /api/payments/:orderId
func (h *Handler) GetSession(c *gin.Context) {
	orderID := c.Param("orderId")

	sess, err := h.service.Status(c.Request.Context(), orderID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Payment session not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load payment session",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session":         sess,
		"remainingAmount": sess.RemainingAmount(),
		"message":         statusMessage(sess.Status),
	})
}

// SweepRequest contains the parameters for a manual sweep.
type SweepRequest struct {
	Address string `json:"address" binding:"required"`
}

// SweepNow handles POST /api/payments/sweep
func (h *Handler) SweepNow(c *gin.Context) {
	var req SweepRequest
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

	err := h.service.SweepNow(c.Request.Context(), req.Address)
	if err != nil {
		switch {
		case errors.Is(err, ErrSessionNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No payment session for this address",
			})
		case errors.Is(err, ErrAlreadyTransferred):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "already_transferred",
				"message": "Session already swept to treasury",
			})
		case errors.Is(err, ErrNoBalance):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "no_balance",
				"message": "Address holds no token balance",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "sweep_failed",
				"message": "Sweep did not complete",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"swept": true})
}
