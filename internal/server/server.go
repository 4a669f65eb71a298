// Package server implements the HTTP 402 claim protocol and the read
// endpoints of the pixel canvas.
package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/canvas402/canvas402/internal/canvas"
	"github.com/canvas402/canvas402/internal/payout"
	"github.com/canvas402/canvas402/internal/pricing"
	"github.com/canvas402/canvas402/internal/proof"
	"github.com/canvas402/canvas402/internal/settle"
)

// Options configures a Server.
type Options struct {
	Store    *canvas.Store
	Verifier *proof.Verifier
	Policy   settle.Policy

	// PayTo is the wallet claim payments must be sent to.
	PayTo string
	// Asset is the settlement token contract address.
	Asset string
	// ChainID identifies the ledger; surfaced to agents in CAIP-2 form.
	ChainID uint64
	// QuoteExpirySeconds is advisory: prices are recomputed at
	// verification time, agents bear mid-flight price movement.
	QuoteExpirySeconds int

	// Payouts, when set, forwards rebate and dev cuts on chain after
	// each settlement. Nil leaves the cuts as ledger records only.
	Payouts *payout.Forwarder

	Log *zap.Logger
}

// Server serves the claim protocol.
type Server struct {
	store       *canvas.Store
	verifier    *proof.Verifier
	policy      settle.Policy
	payouts     *payout.Forwarder
	payTo       string
	asset       string
	network     string
	quoteExpiry int
	log         *zap.Logger
	claimSchema *gojsonschema.Schema
	engine      *gin.Engine
}

// New builds the server and its routes.
func New(opts Options) (*Server, error) {
	if err := opts.Policy.Validate(); err != nil {
		return nil, err
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(claimBodySchema))
	if err != nil {
		return nil, fmt.Errorf("compile claim schema: %w", err)
	}

	s := &Server{
		store:       opts.Store,
		verifier:    opts.Verifier,
		policy:      opts.Policy,
		payouts:     opts.Payouts,
		payTo:       opts.PayTo,
		asset:       opts.Asset,
		network:     fmt.Sprintf("eip155:%d", opts.ChainID),
		quoteExpiry: opts.QuoteExpirySeconds,
		log:         opts.Log,
		claimSchema: schema,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.POST("/pixel/:x/:y", s.handleClaim)
	engine.GET("/price/:x/:y", s.handlePrice)
	engine.GET("/pixel/:x/:y", s.handlePixel)
	engine.GET("/pixels", s.handlePixels)
	engine.GET("/stats", s.handleStats)
	engine.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.engine = engine
	return s, nil
}

// Handler returns the HTTP handler for tests and the main server loop.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// coords parses and range-checks the path coordinates. Claims outside the
// canvas never reach the payment phase.
func coords(c *gin.Context) (int, int, bool) {
	x, errX := strconv.Atoi(c.Param("x"))
	y, errY := strconv.Atoi(c.Param("y"))
	if errX != nil || errY != nil || !pricing.InBounds(x, y) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("coordinates must be integers in [0,%d)", pricing.GridSize),
		})
		return 0, 0, false
	}
	return x, y, true
}

func (s *Server) handlePrice(c *gin.Context) {
	x, y, ok := coords(c)
	if !ok {
		return
	}

	px, err := s.store.Pixel(c.Request.Context(), x, y)
	if err != nil {
		s.log.Error("read pixel", zap.Int("x", x), zap.Int("y", y), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
		return
	}

	resp := gin.H{
		"x":              x,
		"y":              y,
		"requiredAmount": s.requiredPrice(px).String(),
		"recipient":      s.payTo,
		"network":        s.network,
		"asset":          s.asset,
		"occupied":       px != nil,
	}
	if px != nil {
		resp["currentOwner"] = px.Owner
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handlePixel(c *gin.Context) {
	x, y, ok := coords(c)
	if !ok {
		return
	}

	px, err := s.store.Pixel(c.Request.Context(), x, y)
	if err != nil {
		s.log.Error("read pixel", zap.Int("x", x), zap.Int("y", y), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
		return
	}
	if px == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "pixel not claimed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"x":             px.X,
		"y":             px.Y,
		"owner":         px.Owner,
		"color":         px.Color,
		"price":         px.Price.String(),
		"lastClaimedAt": px.LastClaimedAt,
		"claims":        px.Claims,
	})
}

func (s *Server) handlePixels(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit > 1000 {
		limit = 1000
	}

	pixels, total, err := s.store.Occupied(c.Request.Context(), page, limit)
	if err != nil {
		s.log.Error("list pixels", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
		return
	}

	items := make([]gin.H, 0, len(pixels))
	for _, px := range pixels {
		items = append(items, gin.H{
			"x":     px.X,
			"y":     px.Y,
			"owner": px.Owner,
			"color": px.Color,
			"price": px.Price.String(),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"pixels": items,
		"page":   page,
		"limit":  limit,
		"total":  total,
	})
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.store.Stats(c.Request.Context(), 10)
	if err != nil {
		s.log.Error("aggregate stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
		return
	}
	c.JSON(http.StatusOK, stats)
}
