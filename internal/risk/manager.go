package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_mktcore/internal/book"
	"github.com/Aidin1998/pincex_mktcore/pkg/metrics"
	"github.com/Aidin1998/pincex_mktcore/pkg/models"
)

// Mode is the manager's operating state.
type Mode uint8

const (
	// Normal: full position, PnL and order tracking with all limits armed.
	Normal Mode = iota
	// Relaxed: position tracking only, no PnL attribution.
	Relaxed
	// STP: straight-through, fills accepted without internally tracked
	// orders; active-notional bookkeeping is skipped.
	STP
	// Safe: trading halted. Sticky until an operator Restart.
	Safe
)

func (m Mode) String() string {
	switch m {
	case Normal:
		return "normal"
	case Relaxed:
		return "relaxed"
	case STP:
		return "stp"
	case Safe:
		return "safe"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// OrderConnector is one order-management session the manager can order
// to flatten. Every registered connector gets exactly one CancelAll per
// safe-mode transition.
type OrderConnector interface {
	CancelAll() error
}

// Limits is the manager's static configuration. Zero-valued limits are
// unarmed.
type Limits struct {
	ReferenceCurrency string

	MaxTotalExposure  decimal.Decimal
	MinNAV            decimal.Decimal
	HasMinNAV         bool // MinNAV may legitimately be zero or negative
	MaxOrderNotional  decimal.Decimal
	MinOrderNotional  decimal.Decimal
	MaxActiveNotional decimal.Decimal

	// TickMinInterval bounds CPU cost: market-data ticks arriving closer
	// together than this are not fanned out. Uniform across all books.
	TickMinInterval time.Duration

	OrderWindows []ThrottleWindow
	FillWindows  []ThrottleWindow
}

// PrototypeUser is the user id whose risk objects serve as the template
// cloned lazily for every user id first seen on a trade. It doubles as
// the own-account book.
const PrototypeUser int64 = 0

type userRisk struct {
	id          int64
	instruments map[string]*InstrumentRisk
	assets      map[assetKey]*AssetRisk
}

// bookDeps lists what must be revalued when one book ticks. Keys rather
// than object pointers so the fan-out reaches every user's copy.
type bookDeps struct {
	instruments []string
	assets      []assetKey
}

// Manager owns all per-user risk state, aggregates totals, applies hard
// limits and drives the safe-mode state machine. Single-threaded like
// the books: the surrounding event loop serializes all entry points.
type Manager struct {
	log    *zap.Logger
	limits Limits

	mode    Mode
	started bool

	users map[int64]*userRisk
	deps  map[*book.OrderBook]*bookDeps

	connectors []OrderConnector

	orderThrottle *Throttler
	fillThrottle  *Throttler

	lastTick time.Time
}

func NewManager(limits Limits, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		log:           log,
		limits:        limits,
		users:         make(map[int64]*userRisk),
		deps:          make(map[*book.OrderBook]*bookDeps),
		orderThrottle: NewThrottler(limits.OrderWindows),
		fillThrottle:  NewThrottler(limits.FillWindows),
	}
	m.users[PrototypeUser] = &userRisk{
		id:          PrototypeUser,
		instruments: make(map[string]*InstrumentRisk),
		assets:      make(map[assetKey]*AssetRisk),
	}
	return m
}

// Register declares one tradeable instrument on the prototype user,
// creating its two asset legs as needed. The valuation book, when given,
// marks the instrument (and both legs' holders) for revaluation on that
// book's ticks.
func (m *Manager) Register(inst *models.Instrument, valuationBook *book.OrderBook) error {
	if m.started {
		return fmt.Errorf("cannot register %s after start", inst.Key())
	}
	proto := m.users[PrototypeUser]
	key := inst.Key()
	if _, dup := proto.instruments[key]; dup {
		return fmt.Errorf("instrument %s registered twice", key)
	}

	base := m.ensureAsset(proto, inst.BaseAsset, inst.SettleDate)
	quote := m.ensureAsset(proto, inst.QuoteAsset, inst.SettleDate)
	ir, err := newInstrumentRisk(PrototypeUser, inst, base, quote, valuationBook)
	if err != nil {
		return err
	}
	proto.instruments[key] = ir

	if valuationBook != nil {
		d := m.dep(valuationBook)
		d.instruments = append(d.instruments, key)
	}
	return nil
}

// InstallValuator binds a reference-currency valuation source to one
// (asset, settlement date) on the prototype. Book-pegged valuators are
// added to that book's tick fan-out.
func (m *Manager) InstallValuator(asset, settleDate string, v Valuator) error {
	if m.started {
		return fmt.Errorf("cannot install valuator for %s/%s after start", asset, settleDate)
	}
	proto := m.users[PrototypeUser]
	ar := m.ensureAsset(proto, asset, settleDate)
	if ar.IsReference {
		return fmt.Errorf("reference currency %s needs no valuator", asset)
	}
	if ar.valuator != nil {
		return fmt.Errorf("asset %s/%s already has a valuator", asset, settleDate)
	}
	ar.setValuator(v)

	for _, b := range valuatorBooks(v) {
		d := m.dep(b)
		d.assets = append(d.assets, ar.key())
	}
	return nil
}

func valuatorBooks(v Valuator) []*book.OrderBook {
	switch vv := v.(type) {
	case BookValuator:
		if vv.Book != nil {
			return []*book.OrderBook{vv.Book}
		}
	case RolloverValuator:
		return append(valuatorBooks(vv.Primary), valuatorBooks(vv.Secondary)...)
	}
	return nil
}

// RegisterConnector adds an order-management session to the safe-mode
// cancel fan-out.
func (m *Manager) RegisterConnector(c OrderConnector) {
	m.connectors = append(m.connectors, c)
}

func (m *Manager) ensureAsset(u *userRisk, asset, settleDate string) *AssetRisk {
	key := assetKey{Asset: asset, SettleDate: settleDate}
	if ar, ok := u.assets[key]; ok {
		return ar
	}
	ar := newAssetRisk(u.id, asset, settleDate, asset == m.limits.ReferenceCurrency)
	u.assets[key] = ar
	return ar
}

func (m *Manager) dep(b *book.OrderBook) *bookDeps {
	d, ok := m.deps[b]
	if !ok {
		d = &bookDeps{}
		m.deps[b] = d
	}
	return d
}

// Start validates the configuration and arms the manager. Starting
// directly into Safe is senseless and refused.
func (m *Manager) Start(mode Mode) error {
	if m.started {
		return fmt.Errorf("already started")
	}
	if mode == Safe {
		return fmt.Errorf("cannot start in safe mode")
	}
	for _, u := range m.users {
		for _, ar := range u.assets {
			if err := ar.validate(); err != nil {
				return err
			}
		}
	}
	m.started = true
	m.setMode(mode)
	m.log.Info("risk manager started",
		zap.String("mode", mode.String()),
		zap.String("reference_currency", m.limits.ReferenceCurrency),
		zap.Int("instruments", len(m.users[PrototypeUser].instruments)))
	return nil
}

// Restart leaves safe mode. Operator-only; refuses any other transition.
func (m *Manager) Restart(mode Mode) error {
	if m.mode != Safe {
		return fmt.Errorf("restart only leaves safe mode (currently %s)", m.mode)
	}
	if mode == Safe {
		return fmt.Errorf("restart target cannot be safe mode")
	}
	m.setMode(mode)
	m.log.Warn("risk manager restarted by operator", zap.String("mode", mode.String()))
	return nil
}

func (m *Manager) setMode(mode Mode) {
	m.mode = mode
	metrics.RiskMode.Set(float64(mode))
}

// GetMode returns the current operating mode.
func (m *Manager) GetMode() Mode { return m.mode }

// user returns the risk state for id, cloning the prototype's setup on
// first sight of a new user.
func (m *Manager) user(id int64) *userRisk {
	if u, ok := m.users[id]; ok {
		return u
	}
	proto := m.users[PrototypeUser]
	u := &userRisk{
		id:          id,
		instruments: make(map[string]*InstrumentRisk, len(proto.instruments)),
		assets:      make(map[assetKey]*AssetRisk, len(proto.assets)),
	}
	for key, ar := range proto.assets {
		u.assets[key] = ar.cloneFor(id)
	}
	for key, ir := range proto.instruments {
		base := u.assets[ir.base.key()]
		quote := u.assets[ir.quote.key()]
		clone, err := ir.cloneFor(id, base, quote)
		if err != nil {
			// Prototype wiring already validated this pairing.
			m.log.Error("prototype clone failed", zap.Int64("user", id), zap.Error(err))
			continue
		}
		u.instruments[key] = clone
	}
	m.users[id] = u
	m.log.Info("risk state created for new user", zap.Int64("user", id))
	return u
}

// OnMktDataUpdate fans a book tick out to every dependent risk object
// and re-checks limits. Gated by the configured minimum tick interval so
// a fast feed cannot saturate the engine with revaluations.
func (m *Manager) OnMktDataUpdate(b *book.OrderBook, now time.Time) {
	if !m.started || m.mode == Safe {
		return
	}
	if m.limits.TickMinInterval > 0 && now.Sub(m.lastTick) < m.limits.TickMinInterval {
		return
	}
	d, ok := m.deps[b]
	if !ok {
		return
	}
	m.lastTick = now

	started := time.Now()
	for _, u := range m.users {
		for _, key := range d.instruments {
			if ir, ok := u.instruments[key]; ok {
				ir.Revalue()
			}
		}
		for _, key := range d.assets {
			if ar, ok := u.assets[key]; ok {
				ar.CurrentRate(now)
			}
		}
	}
	metrics.TickFanoutLatency.Observe(time.Since(started).Seconds())

	m.checkLimits(now, "mkt_data")
}

// OnTrade folds one reported fill into the owning user's risk state.
// Fills are facts: they are accounted even in safe mode, but only
// non-safe modes can trip further transitions.
func (m *Manager) OnTrade(t *models.TradeExecution) error {
	if !m.started {
		return fmt.Errorf("trade before start")
	}
	if t.Instrument == nil {
		return fmt.Errorf("trade %s carries no instrument", t.ExecID)
	}
	u := m.user(t.UserID)
	ir, ok := u.instruments[t.Instrument.Key()]
	if !ok {
		return fmt.Errorf("trade %s on unregistered instrument %s", t.ExecID, t.Instrument.Key())
	}

	ir.ApplyTrade(t, m.mode != Relaxed)

	notionalRFC := m.toReference(u, ir, t.Qty.Mul(t.Price), t.Timestamp)
	if m.mode != STP {
		// The fill consumed part of a resting order.
		ir.adjustActive(notionalRFC.Neg(), 0)
	}

	if m.mode != Safe {
		if err := m.fillThrottle.Check(t.Timestamp, notionalRFC); err != nil {
			m.fillThrottle.Record(t.Timestamp, notionalRFC)
			m.enterSafe("fill_rate", err.Error())
			return nil
		}
		m.fillThrottle.Record(t.Timestamp, notionalRFC)
		m.checkLimits(t.Timestamp, "trade")
	} else {
		m.fillThrottle.Record(t.Timestamp, notionalRFC)
	}
	return nil
}

// OnOrder vets an order intent before it is sent. Violations come back
// as a RejectionError (the order is simply not sent); nothing here trips
// safe mode because no market action has occurred yet. The active-order
// notional moves by the signed delta between old and new intended size
// whether or not the intent is a pre-send check.
func (m *Manager) OnOrder(o *models.OrderIntent) error {
	if !m.started {
		return fmt.Errorf("order before start")
	}
	if o.Instrument == nil {
		return fmt.Errorf("order intent carries no instrument")
	}
	u := m.user(o.UserID)
	ir, ok := u.instruments[o.Instrument.Key()]
	if !ok {
		return m.reject("unknown_instrument", "unregistered instrument %s", o.Instrument.Key())
	}

	newNotional := decimal.Zero
	if o.NewQty.Sign() > 0 {
		var err error
		newNotional, err = ConvertQty(o.NewQty, o.QtyKind, models.UnitQuote, o.Instrument, o.NewPrice)
		if err != nil {
			return m.reject("bad_quantity", "%v", err)
		}
	}
	oldNotional := decimal.Zero
	if o.OldQty.Sign() > 0 {
		var err error
		oldNotional, err = ConvertQty(o.OldQty, o.QtyKind, models.UnitQuote, o.Instrument, o.OldPrice)
		if err != nil {
			return m.reject("bad_quantity", "%v", err)
		}
	}
	newRFC := m.toReference(u, ir, newNotional, o.Timestamp)
	oldRFC := m.toReference(u, ir, oldNotional, o.Timestamp)
	delta := newRFC.Sub(oldRFC)

	if o.IsLive {
		if m.mode == Safe {
			return m.reject("safe_mode", "trading halted")
		}
		if newRFC.Sign() > 0 {
			if m.limits.MaxOrderNotional.Sign() > 0 && newRFC.GreaterThan(m.limits.MaxOrderNotional) {
				return m.reject("order_too_large", "notional %s over limit %s", newRFC, m.limits.MaxOrderNotional)
			}
			if m.limits.MinOrderNotional.Sign() > 0 && newRFC.LessThan(m.limits.MinOrderNotional) {
				return m.reject("order_too_small", "notional %s under minimum %s", newRFC, m.limits.MinOrderNotional)
			}
		}
		if m.limits.MaxActiveNotional.Sign() > 0 && delta.Sign() > 0 {
			if ir.ActiveNotional().Add(delta).GreaterThan(m.limits.MaxActiveNotional) {
				return m.reject("active_notional", "resting notional would exceed %s", m.limits.MaxActiveNotional)
			}
		}
		if delta.Sign() > 0 {
			if err := m.orderThrottle.Check(o.Timestamp, delta); err != nil {
				return m.reject("order_rate", "%v", err)
			}
			m.orderThrottle.Record(o.Timestamp, delta)
		}
	}

	orders := 0
	switch {
	case o.OldQty.Sign() == 0 && o.NewQty.Sign() > 0:
		orders = 1
	case o.NewQty.Sign() == 0 && o.OldQty.Sign() > 0:
		orders = -1
	}
	ir.adjustActive(delta, orders)
	return nil
}

func (m *Manager) reject(reason, format string, args ...any) error {
	metrics.OrderRejections.WithLabelValues(reason).Inc()
	return rejectf(format, args...)
}

// toReference converts a quote-asset notional into the reference
// currency through the user's quote-asset leg.
func (m *Manager) toReference(u *userRisk, ir *InstrumentRisk, quoteNotional decimal.Decimal, now time.Time) decimal.Decimal {
	if quoteNotional.Sign() == 0 {
		return decimal.Zero
	}
	quote := u.assets[ir.quote.key()]
	if quote == nil {
		return quoteNotional
	}
	rate := quote.CurrentRate(now)
	if rate.Sign() <= 0 {
		return quoteNotional
	}
	return quoteNotional.Mul(rate)
}

// checkLimits recomputes per-user totals and trips safe mode on the
// first breach found.
func (m *Manager) checkLimits(now time.Time, origin string) {
	for _, u := range m.users {
		exposure, nav := m.totals(u, now)
		if m.limits.MaxTotalExposure.Sign() > 0 && exposure.GreaterThan(m.limits.MaxTotalExposure) {
			m.enterSafe("exposure", fmt.Sprintf("user %d exposure %s over %s (%s)",
				u.id, exposure, m.limits.MaxTotalExposure, origin))
			return
		}
		if m.limits.HasMinNAV && nav.LessThan(m.limits.MinNAV) {
			m.enterSafe("nav", fmt.Sprintf("user %d nav %s under %s (%s)",
				u.id, nav, m.limits.MinNAV, origin))
			return
		}
		if m.limits.MaxActiveNotional.Sign() > 0 {
			active := decimal.Zero
			for _, ir := range u.instruments {
				active = active.Add(ir.ActiveNotional())
			}
			if active.GreaterThan(m.limits.MaxActiveNotional) {
				m.enterSafe("active_notional", fmt.Sprintf("user %d active notional %s over %s (%s)",
					u.id, active, m.limits.MaxActiveNotional, origin))
				return
			}
		}
	}
}

// totals returns (gross exposure, net asset value) in the reference
// currency. The reference currency itself never counts as exposure.
func (m *Manager) totals(u *userRisk, now time.Time) (exposure, nav decimal.Decimal) {
	for _, ar := range u.assets {
		val := ar.Value(now)
		nav = nav.Add(val)
		if !ar.IsReference {
			exposure = exposure.Add(val.Abs())
		}
	}
	return exposure, nav
}

// enterSafe performs the one-way transition: mode flips, every connector
// gets exactly one cancel-all. Re-entrant calls while already safe are
// no-ops, which is what makes "exactly once per transition" hold.
func (m *Manager) enterSafe(trigger, detail string) {
	if m.mode == Safe {
		return
	}
	m.setMode(Safe)
	metrics.SafeModeTrips.WithLabelValues(trigger).Inc()
	m.log.Error("SAFE MODE: trading halted, cancelling all orders",
		zap.String("trigger", trigger),
		zap.String("detail", detail))
	for i, c := range m.connectors {
		if err := c.CancelAll(); err != nil {
			m.log.Error("cancel-all failed", zap.Int("connector", i), zap.Error(err))
		}
	}
}

// GetTotalExposure returns one user's gross exposure in the reference
// currency.
func (m *Manager) GetTotalExposure(userID int64, now time.Time) decimal.Decimal {
	u, ok := m.users[userID]
	if !ok {
		return decimal.Zero
	}
	exposure, _ := m.totals(u, now)
	return exposure
}

// GetTotalNAV returns one user's net asset value in the reference
// currency.
func (m *Manager) GetTotalNAV(userID int64, now time.Time) decimal.Decimal {
	u, ok := m.users[userID]
	if !ok {
		return decimal.Zero
	}
	_, nav := m.totals(u, now)
	return nav
}

// GetInstrumentRisks returns one user's per-instrument risk objects.
func (m *Manager) GetInstrumentRisks(userID int64) []*InstrumentRisk {
	u, ok := m.users[userID]
	if !ok {
		return nil
	}
	out := make([]*InstrumentRisk, 0, len(u.instruments))
	for _, ir := range u.instruments {
		out = append(out, ir)
	}
	return out
}

// GetAssetRisks returns one user's per-asset risk objects.
func (m *Manager) GetAssetRisks(userID int64) []*AssetRisk {
	u, ok := m.users[userID]
	if !ok {
		return nil
	}
	out := make([]*AssetRisk, 0, len(u.assets))
	for _, ar := range u.assets {
		out = append(out, ar)
	}
	return out
}

// Users returns every known user id.
func (m *Manager) Users() []int64 {
	out := make([]int64, 0, len(m.users))
	for id := range m.users {
		out = append(out, id)
	}
	return out
}

// OutputPositions logs a structured snapshot of every user's positions,
// for operator diagnostics and end-of-day reconciliation.
func (m *Manager) OutputPositions(now time.Time) {
	for _, u := range m.users {
		exposure, nav := m.totals(u, now)
		fields := []zap.Field{
			zap.Int64("user", u.id),
			zap.String("exposure", exposure.String()),
			zap.String("nav", nav.String()),
		}
		for key, ir := range u.instruments {
			if ir.Position().Sign() == 0 && ir.RealizedPnL().Sign() == 0 {
				continue
			}
			fields = append(fields, zap.String("pos:"+key,
				fmt.Sprintf("%s@%s realized=%s", ir.Position(), ir.AvgPrice(), ir.RealizedPnL())))
		}
		for key, ar := range u.assets {
			if ar.Net().Sign() == 0 {
				continue
			}
			fields = append(fields, zap.String("asset:"+key.Asset+"/"+key.SettleDate, ar.Net().String()))
		}
		m.log.Info("positions", fields...)
	}
}
