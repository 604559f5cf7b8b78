package projects

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ustaplace/platform/internal/validation"
)

// Handler provides HTTP endpoints for project operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new project handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up project routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/projects", h.CreateProject)
	r.GET("/projects/:projectId", h.GetProject)
	r.GET("/projects", h.ListProjects)
	r.PUT("/projects/:projectId/status", h.SetStatus)
}

// CreateRequest is the payload for creating a project.
type CreateRequest struct {
	ClientID    string `json:"clientId"`
	ArtisanID   string `json:"artisanId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// CreateProject handles POST /v1/projects
func (h *Handler) CreateProject(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("clientId", req.ClientID),
		validation.Required("artisanId", req.ArtisanID),
		validation.Required("title", req.Title),
		validation.MaxLength("title", req.Title, 500),
		validation.MaxLength("description", req.Description, validation.MaxStringLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	p, err := h.service.Create(c.Request.Context(),
		req.ClientID, req.ArtisanID,
		validation.SanitizeString(req.Title, 500),
		validation.SanitizeString(req.Description, validation.MaxStringLength),
		validation.SanitizeString(req.Category, 100),
	)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"project": p})
}

// GetProject handles GET /v1/projects/:projectId
func (h *Handler) GetProject(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), c.Param("projectId"))
	if err != nil {
		if errors.Is(err, ErrProjectNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Project not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": p})
}

// ListProjects handles GET /v1/projects?clientId=...&artisanId=...&limit=...
func (h *Handler) ListProjects(c *gin.Context) {
	limit := 50
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 && l <= 200 {
		limit = l
	}

	var (
		list []*Project
		err  error
	)
	switch {
	case c.Query("clientId") != "":
		list, err = h.service.ListByClient(c.Request.Context(), c.Query("clientId"), limit)
	case c.Query("artisanId") != "":
		list, err = h.service.ListByArtisan(c.Request.Context(), c.Query("artisanId"), limit)
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_filter",
			"message": "clientId or artisanId query parameter is required",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"projects": list, "count": len(list)})
}

// StatusRequest is the payload for changing project status.
type StatusRequest struct {
	Status string `json:"status"`
}

// SetStatus handles PUT /v1/projects/:projectId/status
func (h *Handler) SetStatus(c *gin.Context) {
	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	p, err := h.service.SetStatus(c.Request.Context(), c.Param("projectId"), Status(req.Status))
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrProjectNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrInvalidStatus):
			status = http.StatusBadRequest
			code = "invalid_status"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"project": p})
}
