package feed

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_mktcore/internal/book"
	"github.com/Aidin1998/pincex_mktcore/internal/risk"
	"github.com/Aidin1998/pincex_mktcore/pkg/models"
)

// Driver is a deterministic synthetic feed, the in-process stand-in for
// the wire decoders that are out of scope here. It prices a random walk
// around each book's midpoint and delivers decoded updates exactly the
// way a real feed handler would: sequenced, one book at a time, with a
// risk tick after every effective update.
type Driver struct {
	log      *zap.Logger
	rng      *rand.Rand
	mgr      *risk.Manager
	interval time.Duration
	targets  []*target
}

type target struct {
	b    *book.OrderBook
	mid  float64
	tick float64
	seq  int64
}

func NewDriver(seed int64, interval time.Duration, mgr *risk.Manager, log *zap.Logger) *Driver {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Driver{
		log:      log,
		rng:      rand.New(rand.NewSource(seed)),
		mgr:      mgr,
		interval: interval,
	}
}

// Add seeds one book with an initial two-sided snapshot around startMid
// and marks it live.
func (d *Driver) Add(b *book.OrderBook, startMid float64) {
	tick := b.Instrument().TickSize
	if tick <= 0 {
		tick = 0.01
	}
	mid := alignPrice(startMid, tick)
	t := &target{b: b, mid: mid, tick: tick}
	for i := 1; i <= 5; i++ {
		t.apply(models.Bid, mid-float64(i)*tick, d.randQty())
		t.apply(models.Ask, mid+float64(i)*tick, d.randQty())
	}
	b.MarkLive()
	d.targets = append(d.targets, t)
	d.log.Info("replay book seeded",
		zap.String("instrument", b.Instrument().Key()),
		zap.Float64("mid", mid))
}

// Step emits one synthetic update into one book and fans the tick into
// the risk manager. Exposed separately from Run for deterministic tests.
func (d *Driver) Step(now time.Time) {
	if len(d.targets) == 0 {
		return
	}
	t := d.targets[d.rng.Intn(len(d.targets))]

	side := models.Bid
	if d.rng.Intn(2) == 1 {
		side = models.Ask
	}
	offset := float64(d.rng.Intn(5)) * t.tick
	var price float64
	if side == models.Bid {
		price = t.mid - t.tick - offset
	} else {
		price = t.mid + t.tick + offset
	}

	qty := d.randQty()
	if d.rng.Intn(10) == 0 {
		qty = decimal.Zero // occasionally pull a level
	}
	effect, err := t.apply(side, price, qty)
	if err != nil {
		d.log.Warn("synthetic update rejected", zap.Error(err))
		return
	}

	// Independently-sequenced sides can transiently cross; repair the
	// stale side the way a live feed handler would.
	if side, touched := t.b.CorrectBook(); touched {
		d.log.Debug("synthetic crossing corrected",
			zap.String("instrument", t.b.Instrument().Key()),
			zap.String("side", side.String()))
	}

	// Drift the walk occasionally so prices actually move.
	if d.rng.Intn(4) == 0 {
		if d.rng.Intn(2) == 0 {
			t.mid += t.tick
		} else {
			t.mid -= t.tick
		}
	}
	if effect != models.EffectNone && d.mgr != nil {
		d.mgr.OnMktDataUpdate(t.b, now)
	}
}

// Run steps the driver until ctx is cancelled.
func (d *Driver) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.Step(now)
		}
	}
}

func (t *target) apply(side models.Side, price float64, qty decimal.Decimal) (models.UpdateEffect, error) {
	t.seq++
	return t.b.Update(models.BookUpdate{
		Side:   side,
		Action: models.ActionChange,
		Price:  price,
		Qty:    qty,
		Seq:    t.seq,
		RSeq:   t.seq,
	})
}

func (d *Driver) randQty() decimal.Decimal {
	return decimal.New(int64(d.rng.Intn(900)+100), -2) // 1.00 .. 9.99
}

func alignPrice(px, tick float64) float64 {
	return math.Round(px/tick) * tick
}
