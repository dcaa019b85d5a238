package admin

import (
	"math"
	"net/http"
	"strconv"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_mktcore/internal/book"
	"github.com/Aidin1998/pincex_mktcore/internal/marketdata"
	"github.com/Aidin1998/pincex_mktcore/internal/risk"
	"github.com/Aidin1998/pincex_mktcore/pkg/models"
)

// Server is the operator-facing HTTP surface: read-only book and risk
// inspection, the safe-mode restart switch, Prometheus metrics and the
// market data WebSocket endpoint.
type Server struct {
	log   *zap.Logger
	mgr   *risk.Manager
	books map[string]*book.OrderBook
	hub   *marketdata.Hub
}

func NewServer(log *zap.Logger, mgr *risk.Manager, books map[string]*book.OrderBook, hub *marketdata.Hub) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{log: log, mgr: mgr, books: books, hub: hub}
}

// Router builds the gin engine. Kept separate from listening so tests
// can drive it with httptest.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(ginzap.Ginzap(s.log, time.RFC3339, true))
	r.Use(ginzap.RecoveryWithZap(s.log, true))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "mode": s.mgr.GetMode().String()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if s.hub != nil {
		r.GET("/ws", func(c *gin.Context) {
			s.hub.ServeWS(c.Writer, c.Request)
		})
	}

	api := r.Group("/api/v1")
	{
		api.GET("/mode", s.getMode)
		api.POST("/mode/restart", s.restart)
		api.GET("/books", s.listBooks)
		api.GET("/books/:key", s.bookSnapshot)
		api.GET("/users/:id/positions", s.positions)
		api.GET("/users/:id/exposure", s.exposure)
	}
	return r
}

func (s *Server) getMode(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"mode": s.mgr.GetMode().String()})
}

type restartRequest struct {
	Mode string `json:"mode" binding:"required,oneof=normal relaxed stp"`
}

func (s *Server) restart(c *gin.Context) {
	var req restartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mode := risk.Normal
	switch req.Mode {
	case "relaxed":
		mode = risk.Relaxed
	case "stp":
		mode = risk.STP
	}
	if err := s.mgr.Restart(mode); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	s.log.Warn("operator restart", zap.String("mode", req.Mode))
	c.JSON(http.StatusOK, gin.H{"mode": s.mgr.GetMode().String()})
}

type bookSummary struct {
	Instrument string  `json:"instrument"`
	BidPx      float64 `json:"bid_px"`
	AskPx      float64 `json:"ask_px"`
	BidDepth   int     `json:"bid_depth"`
	AskDepth   int     `json:"ask_depth"`
	Seq        int64   `json:"seq"`
	Live       bool    `json:"live"`
}

func (s *Server) listBooks(c *gin.Context) {
	out := make([]bookSummary, 0, len(s.books))
	for key, b := range s.books {
		out = append(out, bookSummary{
			Instrument: key,
			BidPx:      jsonSafe(b.GetBestBidPx()),
			AskPx:      jsonSafe(b.GetBestAskPx()),
			BidDepth:   b.Depth(models.Bid),
			AskDepth:   b.Depth(models.Ask),
			Seq:        b.Seq(),
			Live:       b.IsLive(),
		})
	}
	c.JSON(http.StatusOK, out)
}

type levelRow struct {
	Px         float64 `json:"px"`
	Qty        string  `json:"qty"`
	OrderCount int     `json:"order_count,omitempty"`
}

func (s *Server) bookSnapshot(c *gin.Context) {
	b, ok := s.books[c.Param("key")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown book"})
		return
	}
	depth := 20
	if d, err := strconv.Atoi(c.DefaultQuery("depth", "20")); err == nil && d > 0 {
		depth = d
	}
	snapshot := gin.H{
		"instrument": b.Instrument().Key(),
		"seq":        b.Seq(),
		"rseq":       b.RSeq(),
		"live":       b.IsLive(),
		"bids":       levels(b, models.Bid, depth),
		"asks":       levels(b, models.Ask, depth),
	}
	c.JSON(http.StatusOK, snapshot)
}

func levels(b *book.OrderBook, side models.Side, depth int) []levelRow {
	out := make([]levelRow, 0, depth)
	b.Traverse(side, depth, func(px float64, qty decimal.Decimal, count int) bool {
		out = append(out, levelRow{Px: px, Qty: qty.String(), OrderCount: count})
		return true
	})
	return out
}

type positionRow struct {
	Instrument     string `json:"instrument"`
	Position       string `json:"position"`
	AvgPx          string `json:"avg_px"`
	RealizedPnL    string `json:"realized_pnl"`
	UnrealizedPnL  string `json:"unrealized_pnl"`
	ActiveNotional string `json:"active_notional"`
	ActiveOrders   int    `json:"active_orders"`
}

type assetRow struct {
	Asset      string `json:"asset"`
	SettleDate string `json:"settle_date"`
	Net        string `json:"net"`
	Value      string `json:"value"`
}

func (s *Server) positions(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad user id"})
		return
	}
	now := time.Now()
	instruments := make([]positionRow, 0)
	for _, ir := range s.mgr.GetInstrumentRisks(userID) {
		instruments = append(instruments, positionRow{
			Instrument:     ir.Instrument.Key(),
			Position:       ir.Position().String(),
			AvgPx:          ir.AvgPrice().String(),
			RealizedPnL:    ir.RealizedPnL().String(),
			UnrealizedPnL:  ir.UnrealizedPnL().String(),
			ActiveNotional: ir.ActiveNotional().String(),
			ActiveOrders:   ir.ActiveOrders(),
		})
	}
	assets := make([]assetRow, 0)
	for _, ar := range s.mgr.GetAssetRisks(userID) {
		assets = append(assets, assetRow{
			Asset:      ar.Asset,
			SettleDate: ar.SettleDate,
			Net:        ar.Net().String(),
			Value:      ar.Value(now).String(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"instruments": instruments, "assets": assets})
}

func (s *Server) exposure(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad user id"})
		return
	}
	now := time.Now()
	c.JSON(http.StatusOK, gin.H{
		"user":     userID,
		"exposure": s.mgr.GetTotalExposure(userID, now).String(),
		"nav":      s.mgr.GetTotalNAV(userID, now).String(),
		"mode":     s.mgr.GetMode().String(),
	})
}

// jsonSafe replaces NaN with zero; encoding/json cannot represent it.
func jsonSafe(f float64) float64 {
	if math.IsNaN(f) {
		return 0
	}
	return f
}
