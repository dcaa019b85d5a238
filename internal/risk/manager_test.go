package risk

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/pincex_mktcore/internal/book"
	"github.com/Aidin1998/pincex_mktcore/pkg/models"
)

type fakeConnector struct {
	cancels int
	err     error
}

func (c *fakeConnector) CancelAll() error {
	c.cancels++
	return c.err
}

func testLimits() Limits {
	return Limits{
		ReferenceCurrency: "USD",
		MaxTotalExposure:  dec("1000"),
	}
}

func newStartedManager(t *testing.T, limits Limits, mode Mode) (*Manager, *fakeConnector) {
	t.Helper()
	m := NewManager(limits, nil)
	require.NoError(t, m.Register(scaledInstrument(), nil))
	require.NoError(t, m.InstallValuator("BTC", "SPOT", FixedRate{R: dec("15000")}))
	conn := &fakeConnector{}
	m.RegisterConnector(conn)
	require.NoError(t, m.Start(mode))
	return m, conn
}

func trade(userID int64, isBuy bool, px, qty string) *models.TradeExecution {
	return &models.TradeExecution{
		ExecID:     uuid.New(),
		UserID:     userID,
		Instrument: scaledInstrument(),
		IsBuy:      isBuy,
		Price:      dec(px),
		Qty:        dec(qty),
		Timestamp:  time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC),
	}
}

// moveBook retires the current top of book and quotes a new one without
// ever leaving the sides crossed.
func moveBook(t *testing.T, b *book.OrderBook, bid, ask float64, seq int64) {
	t.Helper()
	steps := []models.BookUpdate{
		{Side: models.Bid, Price: b.GetBestBidPx(), Qty: dec("0"), Seq: seq, RSeq: seq},
		{Side: models.Ask, Price: b.GetBestAskPx(), Qty: dec("0"), Seq: seq + 1, RSeq: seq + 1},
		{Side: models.Ask, Price: ask, Qty: dec("1"), Seq: seq + 2, RSeq: seq + 2},
		{Side: models.Bid, Price: bid, Qty: dec("1"), Seq: seq + 3, RSeq: seq + 3},
	}
	for _, u := range steps {
		_, err := b.Update(u)
		require.NoError(t, err)
	}
}

func TestStartValidatesValuationSources(t *testing.T) {
	m := NewManager(testLimits(), nil)
	require.NoError(t, m.Register(scaledInstrument(), nil))
	// BTC has no valuation source yet.
	require.Error(t, m.Start(Normal))

	require.NoError(t, m.InstallValuator("BTC", "SPOT", FixedRate{R: dec("15000")}))
	require.NoError(t, m.Start(Normal))
	assert.Equal(t, Normal, m.GetMode())
}

func TestStartRefusesSafeMode(t *testing.T) {
	m := NewManager(testLimits(), nil)
	require.Error(t, m.Start(Safe))
}

func TestRegisterAfterStartRefused(t *testing.T) {
	m, _ := newStartedManager(t, testLimits(), Normal)
	inst := scaledInstrument()
	inst.Symbol = "ETH-USD"
	inst.BaseAsset = "ETH"
	require.Error(t, m.Register(inst, nil))
	require.Error(t, m.InstallValuator("ETH", "SPOT", FixedRate{R: dec("3000")}))
}

func TestDuplicateInstrumentRefused(t *testing.T) {
	m := NewManager(testLimits(), nil)
	require.NoError(t, m.Register(scaledInstrument(), nil))
	require.Error(t, m.Register(scaledInstrument(), nil))
}

// A trade pushing exposure past the hard limit must flip the manager to
// safe mode before OnTrade returns and cancel orders on every connector
// exactly once.
func TestTradeBreachTripsSafeModeOnce(t *testing.T) {
	m, conn := newStartedManager(t, testLimits(), Normal)
	second := &fakeConnector{err: errors.New("session down")}
	m.RegisterConnector(second)

	// 0.1 BTC at a 15000 USD/BTC valuation = 1500 USD exposure > 1000.
	require.NoError(t, m.OnTrade(trade(0, true, "15000", "0.1")))
	assert.Equal(t, Safe, m.GetMode())
	assert.Equal(t, 1, conn.cancels)
	assert.Equal(t, 1, second.cancels) // a failing connector still counts

	// Already safe: further fills are accounted but nothing re-cancels.
	require.NoError(t, m.OnTrade(trade(0, true, "15000", "0.1")))
	assert.Equal(t, 1, conn.cancels)
	assert.Equal(t, 1, second.cancels)
}

func TestTradeWithinLimitStaysNormal(t *testing.T) {
	m, conn := newStartedManager(t, testLimits(), Normal)
	require.NoError(t, m.OnTrade(trade(0, true, "15000", "0.05"))) // 750 USD
	assert.Equal(t, Normal, m.GetMode())
	assert.Equal(t, 0, conn.cancels)

	now := time.Now()
	assert.True(t, m.GetTotalExposure(0, now).Equal(dec("750")))
	// Long 750 of BTC, short 750 of USD: flat NAV.
	assert.True(t, m.GetTotalNAV(0, now).IsZero())
}

func TestPrototypeClonedForNewUser(t *testing.T) {
	m, _ := newStartedManager(t, testLimits(), Normal)
	require.NoError(t, m.OnTrade(trade(7, true, "15000", "0.05")))

	now := time.Now()
	assert.True(t, m.GetTotalExposure(7, now).Equal(dec("750")))
	assert.True(t, m.GetTotalExposure(PrototypeUser, now).IsZero())

	irs := m.GetInstrumentRisks(7)
	require.Len(t, irs, 1)
	assert.True(t, irs[0].Position().Equal(dec("0.05")))
	assert.ElementsMatch(t, []int64{0, 7}, m.Users())
}

func TestTradeOnUnregisteredInstrumentFails(t *testing.T) {
	m, _ := newStartedManager(t, testLimits(), Normal)
	tr := trade(0, true, "100", "1")
	tr.Instrument = &models.Instrument{
		Venue: "TEST", Symbol: "XRP-USD", BaseAsset: "XRP", QuoteAsset: "USD", SettleDate: "SPOT",
	}
	require.Error(t, m.OnTrade(tr))
}

func TestRestartOnlyLeavesSafeMode(t *testing.T) {
	m, _ := newStartedManager(t, testLimits(), Normal)
	require.Error(t, m.Restart(Normal)) // not safe yet

	require.NoError(t, m.OnTrade(trade(0, true, "15000", "0.1")))
	require.Equal(t, Safe, m.GetMode())

	require.Error(t, m.Restart(Safe))
	require.NoError(t, m.Restart(Relaxed))
	assert.Equal(t, Relaxed, m.GetMode())
}

func order(userID int64, qty, px string, live bool) *models.OrderIntent {
	return &models.OrderIntent{
		UserID:     userID,
		Instrument: scaledInstrument(),
		IsBuy:      true,
		IsLive:     live,
		QtyKind:    models.UnitBase,
		NewPrice:   dec(px),
		NewQty:     dec(qty),
		Timestamp:  time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC),
	}
}

func TestOnOrderSafeModeRejects(t *testing.T) {
	m, _ := newStartedManager(t, testLimits(), Normal)
	require.NoError(t, m.OnTrade(trade(0, true, "15000", "0.1")))
	require.Equal(t, Safe, m.GetMode())

	err := m.OnOrder(order(0, "0.01", "15000", true))
	require.Error(t, err)
	assert.True(t, IsRejection(err))
}

func TestOnOrderNotionalLimits(t *testing.T) {
	limits := testLimits()
	limits.MaxOrderNotional = dec("500")
	limits.MinOrderNotional = dec("10")
	m, conn := newStartedManager(t, limits, Normal)

	err := m.OnOrder(order(0, "0.05", "15000", true)) // 750 USD
	require.Error(t, err)
	assert.True(t, IsRejection(err))

	err = m.OnOrder(order(0, "0.0005", "15000", true)) // 7.5 USD
	require.Error(t, err)
	assert.True(t, IsRejection(err))

	require.NoError(t, m.OnOrder(order(0, "0.02", "15000", true))) // 300 USD

	// Rejections never escalate to safe mode.
	assert.Equal(t, Normal, m.GetMode())
	assert.Equal(t, 0, conn.cancels)
}

func TestOnOrderTracksActiveNotional(t *testing.T) {
	m, _ := newStartedManager(t, testLimits(), Normal)
	require.NoError(t, m.OnOrder(order(0, "0.02", "15000", true))) // 300 USD
	irs := m.GetInstrumentRisks(0)
	require.Len(t, irs, 1)
	assert.True(t, irs[0].ActiveNotional().Equal(dec("300")))
	assert.Equal(t, 1, irs[0].ActiveOrders())

	// Replace down to 150 USD.
	o := order(0, "0.01", "15000", true)
	o.OldQty, o.OldPrice = dec("0.02"), dec("15000")
	require.NoError(t, m.OnOrder(o))
	assert.True(t, irs[0].ActiveNotional().Equal(dec("150")))
	assert.Equal(t, 1, irs[0].ActiveOrders())

	// Cancel retires the order.
	cancel := order(0, "0", "0", false)
	cancel.OldQty, cancel.OldPrice = dec("0.01"), dec("15000")
	require.NoError(t, m.OnOrder(cancel))
	assert.True(t, irs[0].ActiveNotional().IsZero())
	assert.Equal(t, 0, irs[0].ActiveOrders())
}

func TestOnOrderActiveNotionalCap(t *testing.T) {
	limits := testLimits()
	limits.MaxActiveNotional = dec("400")
	m, _ := newStartedManager(t, limits, Normal)

	require.NoError(t, m.OnOrder(order(0, "0.02", "15000", true))) // 300 resting
	err := m.OnOrder(order(0, "0.01", "15000", true))              // +150 would exceed 400
	require.Error(t, err)
	assert.True(t, IsRejection(err))
}

func TestOnOrderEntryThrottle(t *testing.T) {
	limits := testLimits()
	limits.OrderWindows = []ThrottleWindow{{Period: time.Minute, Limit: dec("500")}}
	m, _ := newStartedManager(t, limits, Normal)

	require.NoError(t, m.OnOrder(order(0, "0.02", "15000", true))) // 300
	err := m.OnOrder(order(0, "0.02", "15000", true))              // 600 in the window
	require.Error(t, err)
	assert.True(t, IsRejection(err))
	assert.Equal(t, Normal, m.GetMode())
}

func TestFillThrottleTripsSafeMode(t *testing.T) {
	limits := Limits{
		ReferenceCurrency: "USD",
		FillWindows:       []ThrottleWindow{{Period: time.Minute, Limit: dec("500")}},
	}
	m, conn := newStartedManager(t, limits, Normal)

	require.NoError(t, m.OnTrade(trade(0, true, "15000", "0.02"))) // 300
	assert.Equal(t, Normal, m.GetMode())

	require.NoError(t, m.OnTrade(trade(0, true, "15000", "0.02"))) // 600 in window
	assert.Equal(t, Safe, m.GetMode())
	assert.Equal(t, 1, conn.cancels)
}

func TestOnMktDataUpdateRevaluesAndTrips(t *testing.T) {
	b := pricedBook(t, 9999.5, 10000.5) // mid 10000
	limits := testLimits()
	m := NewManager(limits, nil)
	require.NoError(t, m.Register(scaledInstrument(), b))
	require.NoError(t, m.InstallValuator("BTC", "SPOT", BookValuator{Book: b}))
	conn := &fakeConnector{}
	m.RegisterConnector(conn)
	require.NoError(t, m.Start(Normal))

	// 0.09 BTC at 10000 = 900 USD: inside the limit.
	require.NoError(t, m.OnTrade(trade(0, true, "10000", "0.09")))
	require.Equal(t, Normal, m.GetMode())

	// The market rallies; the same position now breaches on a tick.
	moveBook(t, b, 11999.5, 12000.5, 10)

	m.OnMktDataUpdate(b, time.Now())
	assert.Equal(t, Safe, m.GetMode())
	assert.Equal(t, 1, conn.cancels)
}

func TestOnMktDataUpdateMinIntervalGate(t *testing.T) {
	b := pricedBook(t, 9999.5, 10000.5)
	limits := testLimits()
	limits.TickMinInterval = time.Second
	m := NewManager(limits, nil)
	require.NoError(t, m.Register(scaledInstrument(), b))
	require.NoError(t, m.InstallValuator("BTC", "SPOT", BookValuator{Book: b}))
	require.NoError(t, m.Start(Normal))
	require.NoError(t, m.OnTrade(trade(0, true, "10000", "0.09")))

	base := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	m.OnMktDataUpdate(b, base)

	// Push the book to a breaching level.
	moveBook(t, b, 19999.5, 20000.5, 10)

	// Within the gate the tick is dropped and no breach is seen.
	m.OnMktDataUpdate(b, base.Add(200*time.Millisecond))
	assert.Equal(t, Normal, m.GetMode())

	m.OnMktDataUpdate(b, base.Add(2*time.Second))
	assert.Equal(t, Safe, m.GetMode())
}

func TestSTPModeSkipsActiveNotional(t *testing.T) {
	m, _ := newStartedManager(t, Limits{ReferenceCurrency: "USD"}, STP)
	require.NoError(t, m.OnOrder(order(0, "0.02", "15000", true)))
	irs := m.GetInstrumentRisks(0)
	require.Len(t, irs, 1)
	require.True(t, irs[0].ActiveNotional().Equal(dec("300")))

	// In STP the fill does not consume tracked resting notional.
	require.NoError(t, m.OnTrade(trade(0, true, "15000", "0.02")))
	assert.True(t, irs[0].ActiveNotional().Equal(dec("300")))
}

func TestRelaxedModeTracksPositionOnly(t *testing.T) {
	m, _ := newStartedManager(t, Limits{ReferenceCurrency: "USD"}, Relaxed)
	require.NoError(t, m.OnTrade(trade(0, true, "15000", "0.02")))
	require.NoError(t, m.OnTrade(trade(0, false, "16000", "0.02")))
	irs := m.GetInstrumentRisks(0)
	require.Len(t, irs, 1)
	assert.True(t, irs[0].Position().IsZero())
	assert.True(t, irs[0].RealizedPnL().IsZero())
}

func TestOnTradeBeforeStartFails(t *testing.T) {
	m := NewManager(testLimits(), nil)
	require.Error(t, m.OnTrade(trade(0, true, "100", "1")))
	require.Error(t, m.OnOrder(order(0, "1", "100", true)))
}

func TestGetAssetRisks(t *testing.T) {
	m, _ := newStartedManager(t, testLimits(), Normal)
	ars := m.GetAssetRisks(PrototypeUser)
	assert.Len(t, ars, 2) // BTC and USD legs
}
