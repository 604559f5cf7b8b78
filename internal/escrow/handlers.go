package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ustaplace/platform/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/projects/:projectId/escrow", h.GetProjectEscrow)
	r.GET("/escrows", h.ListEscrows)
	r.POST("/escrows", h.InitiateEscrow)
	r.POST("/escrows/:id/deposit", h.ConfirmDeposit)
	r.POST("/escrows/:id/advance", h.ReleaseAdvance)
	r.POST("/escrows/:id/release", h.ReleaseFullPayment)
	r.POST("/escrows/:id/freeze", h.FreezeEscrow)
	r.POST("/escrows/:id/refund", h.RefundEscrow)
	r.PUT("/escrows/:id/amount", h.UpdateAmount)
}

// InitiateEscrow handles POST /v1/escrows
func (h *Handler) InitiateEscrow(c *gin.Context) {
	var req InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("projectId", req.ProjectID),
		validation.Required("clientId", req.ClientID),
		validation.Required("artisanId", req.ArtisanID),
		validation.NonNegative("baseAmount", req.BaseAmount),
		validation.NonNegative("urgentSurchargePercent", req.UrgentSurchargePercent),
		validation.NonNegative("commissionPercent", req.CommissionPercent),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	e, err := h.service.Initiate(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrEscrowExists):
			status = http.StatusConflict
			code = "escrow_exists"
		case errors.Is(err, ErrInvalidAmount):
			status = http.StatusBadRequest
			code = "invalid_amount"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": e})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	e, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrEscrowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Escrow not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// GetProjectEscrow handles GET /v1/projects/:projectId/escrow
func (h *Handler) GetProjectEscrow(c *gin.Context) {
	e, err := h.service.GetByProject(c.Request.Context(), c.Param("projectId"))
	if err != nil {
		if errors.Is(err, ErrEscrowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No escrow for this project",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ListEscrows handles GET /v1/escrows?status=held&limit=50
func (h *Handler) ListEscrows(c *gin.Context) {
	status := Status(c.DefaultQuery("status", string(StatusHeld)))
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	escrows, err := h.service.ListByStatus(c.Request.Context(), status, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrows": escrows,
		"count":   len(escrows),
	})
}

// DepositRequest carries the payment method used for the deposit.
type DepositRequest struct {
	PaymentMethod string `json:"paymentMethod" binding:"required"`
}

// ConfirmDeposit handles POST /v1/escrows/:id/deposit
func (h *Handler) ConfirmDeposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "paymentMethod is required",
		})
		return
	}

	e, err := h.service.ConfirmDeposit(c.Request.Context(), c.Param("id"), req.PaymentMethod)
	if err != nil {
		h.transitionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ReleaseAdvance handles POST /v1/escrows/:id/advance
func (h *Handler) ReleaseAdvance(c *gin.Context) {
	e, err := h.service.ReleaseAdvance(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.transitionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ReleaseFullPayment handles POST /v1/escrows/:id/release
func (h *Handler) ReleaseFullPayment(c *gin.Context) {
	e, err := h.service.ReleaseFullPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.transitionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// FreezeEscrow handles POST /v1/escrows/:id/freeze
func (h *Handler) FreezeEscrow(c *gin.Context) {
	e, err := h.service.Freeze(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.transitionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// RefundEscrow handles POST /v1/escrows/:id/refund
func (h *Handler) RefundEscrow(c *gin.Context) {
	e, err := h.service.Refund(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.transitionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// AmountRequest carries a revised base amount.
type AmountRequest struct {
	BaseAmount float64 `json:"baseAmount"`
}

// UpdateAmount handles PUT /v1/escrows/:id/amount
func (h *Handler) UpdateAmount(c *gin.Context) {
	var req AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "baseAmount is required",
		})
		return
	}

	e, err := h.service.UpdateForNewAmount(c.Request.Context(), c.Param("id"), req.BaseAmount)
	if err != nil {
		h.transitionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// transitionError maps lifecycle errors onto HTTP responses.
func (h *Handler) transitionError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrEscrowNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrNotEditable):
		status = http.StatusConflict
		code = "not_editable"
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNoAdvance):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrConcurrentUpdate):
		status = http.StatusConflict
		code = "conflict"
	case errors.Is(err, ErrInvalidAmount):
		status = http.StatusBadRequest
		code = "invalid_amount"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
