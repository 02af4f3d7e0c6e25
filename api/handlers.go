package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"estate_importer/importer"
	"estate_importer/models"
)

// Importer is the engine surface the HTTP API exposes.
type Importer interface {
	StartImport(ctx context.Context, searchID uuid.UUID, mode models.RunMode) (uuid.UUID, error)
	GetStatus(ctx context.Context, runID uuid.UUID) (*importer.Status, error)
	Cancel(ctx context.Context, runID uuid.UUID) (*models.ImportRun, error)
	CreateSchedule(ctx context.Context, searchID uuid.UUID) (*models.ScheduleRun, error)
	GetSchedule(ctx context.Context, id uuid.UUID) (*models.ScheduleRun, error)
	Advance(ctx context.Context, id uuid.UUID) (*importer.Progress, error)
}

// Catalog is the read side of the store used by the API.
type Catalog interface {
	ListSearches(ctx context.Context) ([]models.SearchQuery, error)
	GetProperty(ctx context.Context, id int64) (*models.Property, error)
	ListSoldProperties(ctx context.Context, propertyID int64) ([]models.SoldProperty, error)
}

type Handler struct {
	importer Importer
	catalog  Catalog
}

func NewHandler(imp Importer, catalog Catalog) *Handler {
	return &Handler{importer: imp, catalog: catalog}
}

type StartImportRequest struct {
	SearchID string `json:"search_id" binding:"required,uuid"`
	Mode     string `json:"mode" binding:"omitempty,oneof=full urls_only fetch_details"`
}

type StartImportResponse struct {
	RunID uuid.UUID `json:"run_id"`
}

type CreateScheduleRequest struct {
	SearchID string `json:"search_id" binding:"required,uuid"`
}

type PropertyResponse struct {
	Property *models.Property     `json:"property"`
	Sold     []models.SoldProperty `json:"sold"`
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) ListSearches(c *gin.Context) {
	searches, err := h.catalog.ListSearches(c.Request.Context())
	if err != nil {
		internalError(c, "Failed to list searches", err)
		return
	}
	if searches == nil {
		searches = []models.SearchQuery{}
	}
	c.JSON(http.StatusOK, gin.H{"searches": searches, "count": len(searches)})
}

func (h *Handler) StartImport(c *gin.Context) {
	var req StartImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	runID, err := h.importer.StartImport(c.Request.Context(), uuid.MustParse(req.SearchID), models.RunMode(req.Mode))
	if err != nil {
		h.serviceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, StartImportResponse{RunID: runID})
}

func (h *Handler) GetImport(c *gin.Context) {
	id, ok := uuidParam(c)
	if !ok {
		return
	}
	status, err := h.importer.GetStatus(c.Request.Context(), id)
	if err != nil {
		h.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) CancelImport(c *gin.Context) {
	id, ok := uuidParam(c)
	if !ok {
		return
	}
	run, err := h.importer.Cancel(c.Request.Context(), id)
	if err != nil {
		h.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (h *Handler) CreateSchedule(c *gin.Context) {
	var req CreateScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	sr, err := h.importer.CreateSchedule(c.Request.Context(), uuid.MustParse(req.SearchID))
	if err != nil {
		h.serviceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sr)
}

func (h *Handler) GetSchedule(c *gin.Context) {
	id, ok := uuidParam(c)
	if !ok {
		return
	}
	sr, err := h.importer.GetSchedule(c.Request.Context(), id)
	if err != nil {
		h.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, sr)
}

func (h *Handler) AdvanceSchedule(c *gin.Context) {
	id, ok := uuidParam(c)
	if !ok {
		return
	}
	p, err := h.importer.Advance(c.Request.Context(), id)
	if err != nil {
		h.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) GetProperty(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "Property id must be a positive integer")
		return
	}

	ctx := c.Request.Context()
	prop, err := h.catalog.GetProperty(ctx, id)
	if err != nil {
		internalError(c, "Failed to load property", err)
		return
	}
	if prop == nil {
		notFound(c, "Property not found")
		return
	}
	sold, err := h.catalog.ListSoldProperties(ctx, id)
	if err != nil {
		internalError(c, "Failed to load sold history", err)
		return
	}
	if sold == nil {
		sold = []models.SoldProperty{}
	}
	c.JSON(http.StatusOK, PropertyResponse{Property: prop, Sold: sold})
}

func (h *Handler) serviceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, importer.ErrRunNotFound):
		notFound(c, "Import run not found")
	case errors.Is(err, importer.ErrScheduleNotFound):
		notFound(c, "Schedule not found")
	case errors.Is(err, importer.ErrSearchNotFound):
		notFound(c, "Search not found")
	case errors.Is(err, importer.ErrInvalidMode):
		badRequest(c, err.Error())
	default:
		internalError(c, "Request failed", err)
	}
}

func uuidParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "Id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}
