package handlers

import (
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"medscan/internal/config"
	"medscan/internal/domain/models"
	"medscan/internal/service/barcode"
	"medscan/internal/service/inventory"
	"medscan/internal/service/usage"
	"medscan/pkg/clients/fhirstore"
)

// InventoryHandler handles the scan/register/view HTTP surface.
type InventoryHandler struct {
	registrar inventory.Registrar
	finder    usage.PairFinder
	gateway   *fhirstore.APIClient
	cfg       config.FHIRConfig
	logger    *zap.Logger

	mu         sync.Mutex
	inFlight   map[string]struct{}
	subjectRef string
}

// NewInventoryHandler constructs the HTTP handler adapter.
func NewInventoryHandler(registrar inventory.Registrar, finder usage.PairFinder, gateway *fhirstore.APIClient, cfg config.FHIRConfig, logger *zap.Logger) *InventoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InventoryHandler{
		registrar: registrar,
		finder:    finder,
		gateway:   gateway,
		cfg:       cfg,
		logger:    logger,
		inFlight:  make(map[string]struct{}),
	}
}

type scanRequest struct {
	Code string `json:"code" binding:"required"`
}

type registrationRequest struct {
	Description models.DeviceDescription `json:"description"`
	Barcode     string                   `json:"barcode"`
	Subject     string                   `json:"subject"`
	FormToken   string                   `json:"form_token"`
}

type authorizeRequest struct {
	AccessToken string `json:"access_token" binding:"required"`
	Subject     string `json:"subject"`
}

// Scan resolves a raw scanned or typed string into a device description.
func (h *InventoryHandler) Scan(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	c.JSON(http.StatusOK, barcode.Resolve(req.Code))
}

// Register records one device consumption. A form token, when supplied,
// rejects a second save while one is still outstanding for the same form.
func (h *InventoryHandler) Register(c *gin.Context) {
	var req registrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Description.Products == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "description.products is required"})
		return
	}

	if req.FormToken != "" {
		if !h.acquire(req.FormToken) {
			c.JSON(http.StatusConflict, gin.H{"error": "a save is already in progress for this form"})
			return
		}
		defer h.release(req.FormToken)
	}

	subject := req.Subject
	if subject == "" {
		subject = h.subject()
	}

	result, err := h.registrar.RegisterUsage(c.Request.Context(), req.Description, req.Barcode, subject)
	if err != nil {
		h.logger.Error("registration failed", zap.Error(err))
		h.storeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, result)
}

// Inventory serves the aggregated, deduplicated inventory view.
func (h *InventoryHandler) Inventory(c *gin.Context) {
	pairs := h.finder.FindPairs(c.Request.Context(), h.subject())
	rows := usage.GroupPairs(pairs)
	if rows == nil {
		rows = []models.InventoryRow{}
	}

	c.JSON(http.StatusOK, rows)
}

// Remove deletes a usage record and, when a device reference is supplied,
// its paired device.
func (h *InventoryHandler) Remove(c *gin.Context) {
	usageID := c.Param("id")
	if usageID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "usage id is required"})
		return
	}

	if err := h.registrar.DeleteRegistration(c.Request.Context(), usageID, c.Query("device")); err != nil {
		h.logger.Error("deletion failed", zap.String("usage", usageID), zap.Error(err))
		h.storeError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// Authorize installs the authenticated client produced by the external
// authorization handshake and caches the subject identity.
func (h *InventoryHandler) Authorize(c *gin.Context) {
	var req authorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	h.gateway.UseAuthorizedClient(fhirstore.NewAuthorizedHTTPClient(h.cfg, req.AccessToken))

	h.mu.Lock()
	h.subjectRef = req.Subject
	h.mu.Unlock()

	h.logger.Info("authorized client installed", zap.String("subject", req.Subject))
	c.JSON(http.StatusOK, gin.H{"status": "authorized"})
}

// storeError maps store failures onto responses carrying enough detail to
// diagnose against the remote server.
func (h *InventoryHandler) storeError(c *gin.Context, err error) {
	var statusErr *fhirstore.StatusError
	if errors.As(err, &statusErr) {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":  "fhir store rejected the request",
			"status": statusErr.StatusCode,
			"body":   statusErr.Body,
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func (h *InventoryHandler) subject() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subjectRef
}

func (h *InventoryHandler) acquire(token string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, busy := h.inFlight[token]; busy {
		return false
	}
	h.inFlight[token] = struct{}{}
	return true
}

func (h *InventoryHandler) release(token string) {
	h.mu.Lock()
	delete(h.inFlight, token)
	h.mu.Unlock()
}
