package handlers

import (
	"crypto/subtle"
	"encoding/csv"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"raffle/internal/models"
	"raffle/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/google/logger"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	sessionCookie = "raffle_session"
	sessionKey    = "sessionID"
)

// HTTPHandler holds the dependencies for the HTTP handlers.
type HTTPHandler struct {
	service    *services.RaffleService
	allocator  *services.RaffleManager
	adminToken string
	gatherer   prometheus.Gatherer
}

// NewHTTPHandler creates a new HTTPHandler. Metrics are served from gatherer.
func NewHTTPHandler(service *services.RaffleService, allocator *services.RaffleManager, adminToken string, gatherer prometheus.Gatherer) *HTTPHandler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &HTTPHandler{
		service:    service,
		allocator:  allocator,
		adminToken: adminToken,
		gatherer:   gatherer,
	}
}

// RegisterPublicRoutes registers routes that need neither a session nor admin rights.
func (h *HTTPHandler) RegisterPublicRoutes(r *gin.Engine) {
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
}

// RegisterSessionRoutes registers the visitor API. The group must use SessionMiddleware.
func (h *HTTPHandler) RegisterSessionRoutes(api *gin.RouterGroup) {
	api.GET("/raffles", h.ListRaffles)
	api.GET("/raffles/:id", h.GetRaffle)
	api.GET("/raffles/:id/preview", h.PreviewRaffle)
	api.GET("/raffles/:id/selection", h.GetSelection)
	api.POST("/raffles/:id/selection", h.SelectNumber)
	api.DELETE("/raffles/:id/selection/:number", h.UnselectNumber)
	api.POST("/raffles/:id/purchase", h.Purchase)
	api.GET("/tickets", h.ListTickets)
	api.GET("/tickets/export-csv", h.ExportTicketsCSV)
	api.GET("/tickets/:reference/qr", h.TicketQR)
	api.GET("/references/preview", h.PreviewReferences)
}

// RegisterAdminRoutes registers operator routes guarded by AdminOnly.
func (h *HTTPHandler) RegisterAdminRoutes(api *gin.RouterGroup) {
	admin := api.Group("/", h.AdminOnly())
	admin.POST("/raffles", h.AddRaffle)
	admin.POST("/raffles/upload-csv", h.UploadRafflesCSV)
	admin.POST("/raffles/:id/activate", h.ActivateRaffle)
	admin.POST("/references", h.CreateReference)
	admin.POST("/admin/reset", h.ResetCounters)
}

// SessionMiddleware attaches the visitor's session ID, issuing a cookie for new visitors.
func (h *HTTPHandler) SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID, err := c.Cookie(sessionCookie)
		if err != nil || sessionID == "" {
			sessionID = uuid.NewString()
			c.SetSameSite(http.SameSiteLaxMode)
			c.SetCookie(sessionCookie, sessionID, 0, "/", "", false, true)
		}
		c.Set(sessionKey, sessionID)
		c.Next()
	}
}

// AdminOnly rejects requests without the configured bearer token. With no
// token configured every admin request is rejected.
func (h *HTTPHandler) AdminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || h.adminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func sessionID(c *gin.Context) string {
	return c.GetString(sessionKey)
}

// respondError maps service errors to HTTP statuses.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, services.ErrRaffleNotFound):
		status = http.StatusNotFound
	case errors.Is(err, services.ErrInvalidRaffle),
		errors.Is(err, services.ErrNumberOutOfRange),
		errors.Is(err, services.ErrEmptySelection),
		errors.Is(err, services.ErrPeekCount),
		errors.Is(err, models.ErrUnknownMode):
		status = http.StatusBadRequest
	case errors.Is(err, services.ErrNumberTaken),
		errors.Is(err, services.ErrRaffleInactive):
		status = http.StatusConflict
	case errors.Is(err, services.ErrAllocationFailed),
		errors.Is(err, services.ErrReferencesUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError || status == http.StatusServiceUnavailable {
		logger.Errorf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func countParam(c *gin.Context) (int, bool) {
	raw := c.DefaultQuery("count", "1")
	count, err := strconv.Atoi(raw)
	if err != nil || count < 1 || count > services.MaxPeekCount {
		c.JSON(http.StatusBadRequest, gin.H{"error": services.ErrPeekCount.Error()})
		return 0, false
	}
	return count, true
}

// ListRaffles handles the catalog listing.
func (h *HTTPHandler) ListRaffles(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.ListRaffles())
}

// GetRaffle returns a single raffle with its sold numbers.
func (h *HTTPHandler) GetRaffle(c *gin.Context) {
	raffle, err := h.service.GetRaffle(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, raffle)
}

// AddRaffle handles the creation of a raffle.
func (h *HTTPHandler) AddRaffle(c *gin.Context) {
	var payload struct {
		Title       string  `json:"title" binding:"required"`
		Description string  `json:"description"`
		Mode        string  `json:"mode" binding:"required"`
		Price       float64 `json:"price"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	mode, err := models.ParseMode(payload.Mode)
	if err != nil {
		respondError(c, err)
		return
	}
	raffle, err := h.service.AddRaffle(payload.Title, payload.Description, mode, payload.Price)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, raffle)
}

// UploadRafflesCSV handles the CSV upload for raffles.
func (h *HTTPHandler) UploadRafflesCSV(c *gin.Context) {
	file, _, err := c.Request.FormFile("raffleCSV")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "error retrieving file: " + err.Error()})
		return
	}
	defer file.Close()

	imported, err := h.service.ImportRafflesCSV(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"imported": imported})
}

// ActivateRaffle opens a raffle and assigns its reference.
func (h *HTTPHandler) ActivateRaffle(c *gin.Context) {
	var payload struct {
		Manual bool `json:"manual"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
	}
	raffle, err := h.service.ActivateRaffle(c.Request.Context(), c.Param("id"), payload.Manual)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, raffle)
}

// PreviewRaffle shows the next references of a raffle's mode without reserving them.
func (h *HTTPHandler) PreviewRaffle(c *gin.Context) {
	count, ok := countParam(c)
	if !ok {
		return
	}
	preview, err := h.service.PreviewReferences(c.Request.Context(), c.Param("id"), count)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, preview)
}

// GetSelection returns the visitor's picked numbers.
func (h *HTTPHandler) GetSelection(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"numbers": h.service.Selection(sessionID(c), c.Param("id"))})
}

// SelectNumber adds a number to the visitor's picks.
func (h *HTTPHandler) SelectNumber(c *gin.Context) {
	var payload struct {
		Number *int `json:"number" binding:"required"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "number is required"})
		return
	}
	numbers, err := h.service.Select(sessionID(c), c.Param("id"), *payload.Number)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"numbers": numbers})
}

// UnselectNumber removes a number from the visitor's picks.
func (h *HTTPHandler) UnselectNumber(c *gin.Context) {
	number, err := strconv.Atoi(c.Param("number"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid number"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"numbers": h.service.Unselect(sessionID(c), c.Param("id"), number)})
}

// Purchase buys the visitor's picks.
func (h *HTTPHandler) Purchase(c *gin.Context) {
	tickets, err := h.service.Purchase(c.Request.Context(), sessionID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"tickets": tickets})
}

// ListTickets returns the visitor's tickets.
func (h *HTTPHandler) ListTickets(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Tickets(sessionID(c)))
}

// ExportTicketsCSV handles the request to download the visitor's tickets as a CSV file.
func (h *HTTPHandler) ExportTicketsCSV(c *gin.Context) {
	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", "attachment;filename=raffle_tickets.csv")

	// Add BOM to ensure UTF-8 compatibility in Excel
	c.Writer.Write([]byte("\xef\xbb\xbf"))

	w := csv.NewWriter(c.Writer)

	if err := w.Write([]string{"reference", "raffle", "number", "price", "purchased_at"}); err != nil {
		logger.Infof("Error writing CSV header: %v", err)
		c.String(http.StatusInternalServerError, "Error writing CSV")
		return
	}

	for _, t := range h.service.Tickets(sessionID(c)) {
		row := []string{
			t.Reference,
			t.RaffleTitle,
			t.Display,
			strconv.FormatFloat(t.Price, 'f', 2, 64),
			t.PurchasedAt.UTC().Format("2006-01-02T15:04:05Z"),
		}
		if err := w.Write(row); err != nil {
			logger.Infof("Error writing CSV row: %v", err)
			c.String(http.StatusInternalServerError, "Error writing CSV")
			return
		}
	}

	w.Flush()

	if err := w.Error(); err != nil {
		logger.Infof("Error flushing CSV writer: %v", err)
		c.String(http.StatusInternalServerError, "Error writing CSV")
	}
}

// TicketQR renders one of the visitor's tickets as a QR code PNG.
func (h *HTTPHandler) TicketQR(c *gin.Context) {
	ticket, ok := h.service.FindTicket(sessionID(c), c.Param("reference"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "ticket not found"})
		return
	}
	size, err := strconv.Atoi(c.DefaultQuery("size", strconv.Itoa(services.DefaultQRSize)))
	if err != nil || size < 64 || size > 1024 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "size must be between 64 and 1024"})
		return
	}
	png, err := services.TicketQRCode(ticket.Reference, size)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

// PreviewReferences peeks at the next references of a mode.
func (h *HTTPHandler) PreviewReferences(c *gin.Context) {
	mode, err := models.ParseMode(c.Query("mode"))
	if err != nil {
		respondError(c, err)
		return
	}
	count, ok := countParam(c)
	if !ok {
		return
	}
	preview, err := h.allocator.PeekNext(c.Request.Context(), mode, count)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, preview)
}

// CreateReference issues a single reference for a mode.
func (h *HTTPHandler) CreateReference(c *gin.Context) {
	var payload struct {
		Mode   string `json:"mode" binding:"required"`
		Peek   bool   `json:"peek"`
		Manual bool   `json:"manual"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	mode, err := models.ParseMode(payload.Mode)
	if err != nil {
		respondError(c, err)
		return
	}
	reference, err := h.allocator.CreateReference(c.Request.Context(), mode, payload.Peek, payload.Manual)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reference": reference})
}

// ResetCounters puts every reference counter back to its start value.
func (h *HTTPHandler) ResetCounters(c *gin.Context) {
	if err := h.allocator.Reset(c.Request.Context()); err != nil {
		logger.Errorf("Counter reset failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
