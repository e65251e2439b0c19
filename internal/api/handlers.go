package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"market-extremes/internal/market"
	"market-extremes/internal/stats"
	"market-extremes/internal/storage"
	"market-extremes/internal/version"
)

const maxListLimit = 500

type handlers struct {
	store       stats.Reader
	stats       *stats.Stats
	eligibility Eligibility
}

type eventKey struct {
	Symbol     string
	Dimension  market.Dimension
	WindowDays int
}

type eventView struct {
	ID             int64     `json:"id"`
	Symbol         string    `json:"symbol"`
	Dimension      string    `json:"dimension"`
	WindowDays     int       `json:"window_days"`
	TriggeredAt    int64     `json:"triggered_at"`
	Value          float64   `json:"value"`
	Percentile     float64   `json:"percentile"`
	PriceAtTrigger *float64  `json:"price_at_trigger"`
	Price4h        *float64  `json:"price_4h"`
	Price12h       *float64  `json:"price_12h"`
	Price24h       *float64  `json:"price_24h"`
	Price48h       *float64  `json:"price_48h"`
	Completed      bool      `json:"completed"`
	CreatedAt      time.Time `json:"created_at"`
}

func toView(ev storage.ExtremeEvent) eventView {
	return eventView{
		ID:             ev.ID,
		Symbol:         ev.Symbol,
		Dimension:      ev.Dimension,
		WindowDays:     ev.WindowDays,
		TriggeredAt:    ev.TriggeredAt,
		Value:          ev.Value,
		Percentile:     ev.Percentile,
		PriceAtTrigger: ev.PriceAtTrigger,
		Price4h:        ev.Price4h,
		Price12h:       ev.Price12h,
		Price24h:       ev.Price24h,
		Price48h:       ev.Price48h,
		Completed:      ev.Completed(),
		CreatedAt:      ev.CreatedAt,
	}
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version.Get().Version})
}

// parseKey reads the path parameters. The window accepts "7" or "7d".
func parseKey(c *gin.Context) (eventKey, bool) {
	symbol := strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
	if symbol == "" {
		badRequest(c, "symbol is required")
		return eventKey{}, false
	}
	dim, err := market.ParseDimension(c.Param("dimension"))
	if err != nil {
		badRequest(c, err.Error())
		return eventKey{}, false
	}
	window, err := strconv.Atoi(strings.TrimSuffix(c.Param("window"), "d"))
	if err != nil || window <= 0 {
		badRequest(c, "window must be a positive number of days")
		return eventKey{}, false
	}
	return eventKey{Symbol: symbol, Dimension: dim, WindowDays: window}, true
}

func parseLimit(c *gin.Context, def int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		badRequest(c, "limit must be a positive integer")
		return 0, false
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, true
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}

func serverError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, storage.ErrNotConfigured) {
		status = http.StatusServiceUnavailable
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func (h *handlers) listEvents(c *gin.Context) {
	key, ok := parseKey(c)
	if !ok {
		return
	}
	limit, ok := parseLimit(c, 50)
	if !ok {
		return
	}
	events, err := h.store.QueryEvents(c.Request.Context(), storage.EventQuery{
		Symbol:      key.Symbol,
		Dimension:   string(key.Dimension),
		WindowDays:  key.WindowDays,
		Limit:       limit,
		OutcomeOnly: c.Query("outcome_only") == "true",
	})
	if err != nil {
		serverError(c, err)
		return
	}
	views := make([]eventView, len(events))
	for i, ev := range events {
		views[i] = toView(ev)
	}
	c.JSON(http.StatusOK, gin.H{"count": len(views), "events": views})
}

func (h *handlers) summary(c *gin.Context) {
	key, ok := parseKey(c)
	if !ok {
		return
	}
	limit, ok := parseLimit(c, stats.DefaultLimit)
	if !ok {
		return
	}
	sum, err := h.stats.Summarize(c.Request.Context(), key.Symbol, string(key.Dimension), key.WindowDays, limit)
	if err != nil {
		serverError(c, err)
		return
	}

	checkpoints := make(gin.H, len(storage.Checkpoints()))
	for _, cp := range storage.Checkpoints() {
		if st, ok := sum.Stats[cp]; ok {
			checkpoints[string(cp)] = st
		} else {
			checkpoints[string(cp)] = gin.H{"insufficient_sample": true}
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol":              key.Symbol,
		"dimension":           key.Dimension,
		"window_days":         key.WindowDays,
		"count":               sum.Count,
		"insufficient_sample": sum.Count == 0,
		"stats":               checkpoints,
	})
}

func (h *handlers) latest(c *gin.Context) {
	key, ok := parseKey(c)
	if !ok {
		return
	}
	ev, err := h.stats.Latest(c.Request.Context(), key.Symbol, string(key.Dimension), key.WindowDays)
	if err != nil {
		serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol":              key.Symbol,
		"dimension":           key.Dimension,
		"window_days":         key.WindowDays,
		"insufficient_sample": ev == nil,
		"latest":              ev,
	})
}

func (h *handlers) state(c *gin.Context) {
	key, ok := parseKey(c)
	if !ok {
		return
	}
	state, err := h.eligibility.Eligibility(c.Request.Context(), key.Symbol, string(key.Dimension), key.WindowDays)
	if err != nil {
		serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol":      key.Symbol,
		"dimension":   key.Dimension,
		"window_days": key.WindowDays,
		"state":       state,
	})
}
