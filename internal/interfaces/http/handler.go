package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	appmarketdata "marketprices/internal/application/service/marketdata"
	domain "marketprices/internal/domain/entity/marketdata"
	"marketprices/internal/domain/interfaces"

	"github.com/gin-gonic/gin"
)

const pricesBasePath = "/api/v1/prices"

var (
	errMissingRange = errors.New("from/to query params required")
	errMissingItems = errors.New("items query param required")
)

// PriceService is what the API needs from the reconciliation service.
type PriceService interface {
	Reconcile(ctx context.Context, req appmarketdata.Request) (appmarketdata.Result, error)
	Latest(ctx context.Context, region domain.RegionID, side domain.QuerySide, items []domain.ItemID) (appmarketdata.Result, error)
	History(ctx context.Context, region domain.RegionID, item domain.ItemID, side domain.QuerySide) ([]*domain.Quote, error)
	KnownItems(ctx context.Context, region domain.RegionID) ([]domain.ItemID, error)
	Flush(ctx context.Context) error
	SetOffline(offline bool)
	Offline() bool
}

type Handler struct {
	router  *gin.Engine
	prices  PriceService
	archive interfaces.QuoteArchiveReader
	cache   *ResponseCache
}

// NewHandler builds the API. archive and cache may be nil; without an
// archive the /archive route is not registered. cache must also be
// registered as a change listener of the service, or cached GET responses
// outlive the prices they show.
func NewHandler(prices PriceService, archive interfaces.QuoteArchiveReader, cache *ResponseCache) *Handler {
	router := gin.New()
	router.Use(gin.Recovery())

	h := &Handler{
		router:  router,
		prices:  prices,
		archive: archive,
		cache:   cache,
	}
	h.registerRoutes()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	prices := h.router.Group(pricesBasePath)
	if h.cache != nil {
		prices.Use(h.cache.middleware())
	}
	{
		prices.POST("/reconcile", h.reconcile)
		prices.GET("/latest", h.getLatest)
		prices.GET("/history", h.getHistory)
		prices.GET("/known", h.getKnownItems)
		prices.POST("/flush", h.flush)
		prices.GET("/offline", h.getOffline)
		prices.PUT("/offline", h.setOffline)
		if h.archive != nil {
			prices.GET("/archive", h.getArchive)
		}
	}
}

type reconcilePayload struct {
	Region int64   `json:"region" binding:"required"`
	Side   string  `json:"side"`
	Policy string  `json:"policy"`
	Items  []int64 `json:"items" binding:"required"`
	Prompt string  `json:"prompt"`
}

func (p reconcilePayload) toRequest() (appmarketdata.Request, error) {
	side, err := domain.NewQuerySide(p.Side)
	if err != nil {
		return appmarketdata.Request{}, err
	}
	policy, err := domain.NewPolicyKind(p.Policy)
	if err != nil {
		return appmarketdata.Request{}, err
	}
	items := make([]domain.ItemID, len(p.Items))
	for i, id := range p.Items {
		items[i] = domain.ItemID(id)
	}
	return appmarketdata.Request{
		Filter: domain.Filter{Region: domain.RegionID(p.Region), Side: side, Policy: policy},
		Items:  items,
		Prompt: p.Prompt,
	}, nil
}

// reconcile runs one round. An unavailable item answers 404 together with
// the quotes of every item that could be priced.
func (h *Handler) reconcile(c *gin.Context) {
	var payload reconcilePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	req, err := payload.toRequest()
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}

	result, err := h.prices.Reconcile(c.Request.Context(), req)
	var unavailable *domain.PriceUnavailableError
	if errors.As(err, &unavailable) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":  err.Error(),
			"item":   unavailable.Item,
			"quotes": result,
		})
		return
	}
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) getLatest(c *gin.Context) {
	region, err := parseInt64Query(c, "region")
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	side, err := domain.NewQuerySide(c.Query("side"))
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	items, err := parseItemsQuery(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	latest, err := h.prices.Latest(c.Request.Context(), domain.RegionID(region), side, items)
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, latest)
}

func (h *Handler) getHistory(c *gin.Context) {
	region, err := parseInt64Query(c, "region")
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	item, err := parseInt64Query(c, "item")
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	side, err := domain.NewQuerySide(c.Query("side"))
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	history, err := h.prices.History(c.Request.Context(), domain.RegionID(region), domain.ItemID(item), side)
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	if history == nil {
		history = []*domain.Quote{}
	}
	c.JSON(http.StatusOK, history)
}

func (h *Handler) getKnownItems(c *gin.Context) {
	region, err := parseInt64Query(c, "region")
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	items, err := h.prices.KnownItems(c.Request.Context(), domain.RegionID(region))
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	if items == nil {
		items = []domain.ItemID{}
	}
	c.JSON(http.StatusOK, items)
}

func (h *Handler) flush(c *gin.Context) {
	if err := h.prices.Flush(c.Request.Context()); err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	c.Status(http.StatusNoContent)
}

type offlinePayload struct {
	Offline *bool `json:"offline" binding:"required"`
}

func (h *Handler) getOffline(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"offline": h.prices.Offline()})
}

func (h *Handler) setOffline(c *gin.Context) {
	var payload offlinePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	h.prices.SetOffline(*payload.Offline)
	c.JSON(http.StatusOK, gin.H{"offline": *payload.Offline})
}

func (h *Handler) getArchive(c *gin.Context) {
	region, err := parseInt64Query(c, "region")
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	item, err := parseInt64Query(c, "item")
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	from, to, err := parseTimeRange(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, errMissingRange)
		return
	}
	quotes, err := h.archive.GetQuotesBetween(c.Request.Context(), domain.RegionID(region), domain.ItemID(item), from, to)
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	if quotes == nil {
		quotes = []domain.Quote{}
	}
	c.JSON(http.StatusOK, quotes)
}

// Helpers

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrPriceUnavailable):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrTransport), errors.Is(err, domain.ErrMalformedResponse):
		return http.StatusBadGateway
	case errors.Is(err, appmarketdata.ErrExecutorClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, status int, err error) {
	if err == nil {
		status = http.StatusInternalServerError
		err = errors.New("unknown error")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func parseInt64Query(c *gin.Context, key string) (int64, error) {
	value := c.Query(key)
	if value == "" {
		return 0, fmt.Errorf("%s query param required", key)
	}
	return strconv.ParseInt(value, 10, 64)
}

// parseItemsQuery accepts items=34,35 as well as repeated item params.
func parseItemsQuery(c *gin.Context) ([]domain.ItemID, error) {
	var raw []string
	for _, v := range c.QueryArray("items") {
		raw = append(raw, strings.Split(v, ",")...)
	}
	raw = append(raw, c.QueryArray("item")...)

	items := make([]domain.ItemID, 0, len(raw))
	for _, v := range raw {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("item %q: %w", v, err)
		}
		items = append(items, domain.ItemID(id))
	}
	if len(items) == 0 {
		return nil, errMissingItems
	}
	return items, nil
}

func parseTimeRange(c *gin.Context) (time.Time, time.Time, error) {
	fromStr := c.Query("from")
	toStr := c.Query("to")
	if fromStr == "" || toStr == "" {
		return time.Time{}, time.Time{}, errMissingRange
	}
	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return from, to, nil
}
