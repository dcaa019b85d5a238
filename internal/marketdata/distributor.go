package marketdata

import (
	"encoding/json"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_mktcore/internal/book"
	"github.com/Aidin1998/pincex_mktcore/pkg/models"
)

// TopOfBook is the frame published on every effective book update.
// Prices are omitted when the side is empty (NaN does not serialize).
type TopOfBook struct {
	Type       string   `json:"type"`
	Instrument string   `json:"instrument"`
	Effect     string   `json:"effect"`
	BidPx      *float64 `json:"bid_px,omitempty"`
	BidQty     string   `json:"bid_qty"`
	AskPx      *float64 `json:"ask_px,omitempty"`
	AskQty     string   `json:"ask_qty"`
	Seq        int64    `json:"seq"`
	Timestamp  int64    `json:"ts"`
}

// Distributor bridges book observers to the WebSocket hub. Observer
// callbacks run on the feed event loop, so everything here must be
// non-blocking; the hub's buffered channel absorbs bursts and sheds the
// rest.
type Distributor struct {
	log *zap.Logger
	hub *Hub
}

func NewDistributor(hub *Hub, log *zap.Logger) *Distributor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Distributor{log: log, hub: hub}
}

// Attach subscribes the distributor to one book's update stream.
func (d *Distributor) Attach(b *book.OrderBook) {
	b.Subscribe(func(ob *book.OrderBook, effect models.UpdateEffect) {
		d.publish(ob, effect)
	})
}

func (d *Distributor) publish(b *book.OrderBook, effect models.UpdateEffect) {
	frame := TopOfBook{
		Type:       "top_of_book",
		Instrument: b.Instrument().Key(),
		Effect:     effect.String(),
		BidQty:     b.GetBestBidQty().String(),
		AskQty:     b.GetBestAskQty().String(),
		Seq:        b.Seq(),
		Timestamp:  time.Now().UnixMilli(),
	}
	if px := b.GetBestBidPx(); !math.IsNaN(px) {
		frame.BidPx = &px
	}
	if px := b.GetBestAskPx(); !math.IsNaN(px) {
		frame.AskPx = &px
	}
	msg, err := json.Marshal(frame)
	if err != nil {
		d.log.Error("top-of-book encode failed", zap.Error(err))
		return
	}
	d.hub.Broadcast(msg)
}
