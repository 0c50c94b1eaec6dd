// Package registry deduplicates instrument descriptors by synthesized symbol
// and binds them to gateway-assigned contract ids.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibrecon/internal/broker"
	"github.com/tathienbao/ibrecon/internal/types"
)

// DefaultTickSize is used until contract details report a min tick.
var DefaultTickSize = decimal.RequireFromString("0.01")

// Scheduler issues the contract-details request for a newly seen contract.
// reqID is the entry's ticker id.
type Scheduler interface {
	ScheduleContractDetails(reqID int64, c broker.Contract)
}

// SchedulerFunc adapts a function to Scheduler.
type SchedulerFunc func(reqID int64, c broker.Contract)

// ScheduleContractDetails calls f.
func (f SchedulerFunc) ScheduleContractDetails(reqID int64, c broker.Contract) { f(reqID, c) }

// Entry is a read-only view of a registered contract.
type Entry struct {
	Symbol   string
	TickerID int64
	Contract broker.Contract
	Details  broker.ContractDetails
	Resolved bool
	Multi    bool
	Parent   string   // multi entry a concrete child was fanned out from
	Children []string // concrete symbols of a multi entry
}

// ConID returns the gateway contract id, zero while pending.
func (e Entry) ConID() int64 {
	return e.Contract.ConID
}

type entry struct {
	Entry
	hasDetails bool
}

// Registry holds every contract the session knows about.
type Registry struct {
	mu          sync.RWMutex
	logger      *slog.Logger
	scheduler   Scheduler
	defaultTick decimal.Decimal
	now         func() time.Time

	bySymbol   map[string]*entry
	byConID    map[int64]string
	byTicker   map[int64]string
	nextTicker int64
}

// Option configures a Registry.
type Option func(*Registry)

// WithDefaultTickSize overrides DefaultTickSize.
func WithDefaultTickSize(tick decimal.Decimal) Option {
	return func(r *Registry) {
		if tick.IsPositive() {
			r.defaultTick = tick
		}
	}
}

// WithClock overrides the clock used to pick the front expiry.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a Registry. scheduler may be nil, in which case new
// contracts are registered without a details request.
func New(scheduler Scheduler, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		logger:      logger.With("component", "registry"),
		scheduler:   scheduler,
		defaultTick: DefaultTickSize,
		now:         time.Now,
		bySymbol:    make(map[string]*entry),
		byConID:     make(map[int64]string),
		byTicker:    make(map[int64]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetScheduler installs the details scheduler after construction.
func (r *Registry) SetScheduler(s Scheduler) {
	r.mu.Lock()
	r.scheduler = s
	r.mu.Unlock()
}

// Resolve returns the entry for c, registering it when unseen. created is
// true only for the call that registered it. A newly registered non-combo
// contract schedules one contract-details request.
func (r *Registry) Resolve(c broker.Contract) (e Entry, created bool, err error) {
	if err := c.Validate(); err != nil {
		return Entry{}, false, err
	}

	symbol := broker.ContractString(c)

	r.mu.Lock()
	if existing, ok := r.bySymbol[symbol]; ok {
		if c.ConID != 0 && existing.Contract.ConID == 0 {
			r.bindConIDLocked(existing, c.ConID)
		}
		e = existing.snapshot()
		r.mu.Unlock()
		return e, false, nil
	}

	ent := r.addLocked(symbol, c)
	if c.ConID != 0 {
		r.bindConIDLocked(ent, c.ConID)
	}
	if c.IsCombo() {
		ent.Resolved = true
	}
	e = ent.snapshot()
	scheduler := r.scheduler
	r.mu.Unlock()

	r.logger.Debug("contract registered", "symbol", symbol, "ticker_id", e.TickerID, "multi", e.Multi)

	if !c.IsCombo() && scheduler != nil {
		scheduler.ScheduleContractDetails(e.TickerID, c)
	}
	return e, true, nil
}

func (r *Registry) addLocked(symbol string, c broker.Contract) *entry {
	r.nextTicker++
	ent := &entry{Entry: Entry{
		Symbol:   symbol,
		TickerID: r.nextTicker,
		Contract: c,
		Multi:    c.IsMulti(),
	}}
	r.bySymbol[symbol] = ent
	r.byTicker[ent.TickerID] = symbol
	return ent
}

func (r *Registry) bindConIDLocked(ent *entry, conID int64) bool {
	if owner, ok := r.byConID[conID]; ok && owner != ent.Symbol {
		return false
	}
	ent.Contract.ConID = conID
	r.byConID[conID] = ent.Symbol
	return true
}

// Bind completes resolution for the entry whose details request was reqID.
// A gateway id already bound to a different symbol yields a
// *types.DuplicateBindingError and the existing binding is kept. For a
// multi entry each call fans out into one concrete child.
func (r *Registry) Bind(reqID int64, details broker.ContractDetails) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	symbol, ok := r.byTicker[reqID]
	if !ok {
		return fmt.Errorf("%w: details for request %d", types.ErrUnknownContract, reqID)
	}
	ent := r.bySymbol[symbol]

	if ent.Multi {
		return r.bindChildLocked(ent, details)
	}
	return r.bindLocked(ent, details)
}

func (r *Registry) bindLocked(ent *entry, details broker.ContractDetails) error {
	conID := details.Contract.ConID

	if ent.Contract.ConID != 0 && conID != 0 && ent.Contract.ConID != conID {
		return &types.DuplicateBindingError{ConID: conID, Existing: ent.Symbol, Incoming: broker.ContractString(details.Contract)}
	}
	if conID != 0 && !r.bindConIDLocked(ent, conID) {
		return &types.DuplicateBindingError{ConID: conID, Existing: r.byConID[conID], Incoming: ent.Symbol}
	}

	mergeDetails(&ent.Contract, details.Contract)
	ent.Details = details
	ent.Details.Contract = ent.Contract
	ent.hasDetails = true
	ent.Resolved = true
	return nil
}

func (r *Registry) bindChildLocked(parent *entry, details broker.ContractDetails) error {
	concrete := details.Contract
	if concrete.Symbol == "" {
		concrete.Symbol = parent.Contract.Symbol
	}
	if concrete.SecType == "" {
		concrete.SecType = parent.Contract.SecType
	}
	symbol := broker.ContractString(concrete)

	child, ok := r.bySymbol[symbol]
	if !ok {
		child = r.addLocked(symbol, concrete)
		child.Contract.ConID = 0
	}
	child.Parent = parent.Symbol

	found := false
	for _, s := range parent.Children {
		if s == symbol {
			found = true
			break
		}
	}
	if !found {
		parent.Children = append(parent.Children, symbol)
	}

	return r.bindLocked(child, details)
}

func mergeDetails(dst *broker.Contract, src broker.Contract) {
	if src.LocalSymbol != "" {
		dst.LocalSymbol = src.LocalSymbol
	}
	if src.Multiplier != "" {
		dst.Multiplier = src.Multiplier
	}
	if src.TradingClass != "" {
		dst.TradingClass = src.TradingClass
	}
	if src.PrimaryExchange != "" {
		dst.PrimaryExchange = src.PrimaryExchange
	}
	if dst.Expiry == "" {
		dst.Expiry = src.Expiry
	}
}

// Complete finalizes the details answer for reqID. A multi entry becomes
// resolved and takes the nearest non-expired child as its summary.
func (r *Registry) Complete(reqID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	symbol, ok := r.byTicker[reqID]
	if !ok {
		return
	}
	ent := r.bySymbol[symbol]
	if !ent.Multi {
		return
	}

	ent.Resolved = true
	today := r.now().Format("20060102")

	var best *entry
	for _, s := range ent.Children {
		child := r.bySymbol[s]
		exp := child.Contract.Expiry
		if exp == "" || exp < today[:min(len(exp), len(today))] {
			continue
		}
		if best == nil || exp < best.Contract.Expiry {
			best = child
		}
	}
	if best != nil {
		ent.Details = best.Details
		ent.hasDetails = true
	}
}

// Lookup returns the entry for a synthesized symbol.
func (r *Registry) Lookup(symbol string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ent, ok := r.bySymbol[symbol]
	if !ok {
		return Entry{}, false
	}
	return ent.snapshot(), true
}

// LookupConID returns the entry bound to a gateway contract id.
func (r *Registry) LookupConID(conID int64) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	symbol, ok := r.byConID[conID]
	if !ok {
		return Entry{}, false
	}
	return r.bySymbol[symbol].snapshot(), true
}

// LookupTicker returns the entry that owns a ticker id.
func (r *Registry) LookupTicker(tickerID int64) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	symbol, ok := r.byTicker[tickerID]
	if !ok {
		return Entry{}, false
	}
	return r.bySymbol[symbol].snapshot(), true
}

// TickSize returns the min tick for symbol, or the default when details
// have not arrived.
func (r *Registry) TickSize(symbol string) decimal.Decimal {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if ent, ok := r.bySymbol[symbol]; ok && ent.hasDetails && ent.Details.MinTick.IsPositive() {
		return ent.Details.MinTick
	}
	return r.defaultTick
}

// ConID returns the gateway id for symbol. For a multi entry this is the
// underlying contract id of its summary.
func (r *Registry) ConID(symbol string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ent, ok := r.bySymbol[symbol]
	if !ok {
		return 0
	}
	if ent.Multi {
		if ent.Details.UnderConID != 0 {
			return ent.Details.UnderConID
		}
		return ent.Details.Contract.ConID
	}
	return ent.Contract.ConID
}

// Strikes returns the sorted distinct strikes of a multi entry's children.
func (r *Registry) Strikes(symbol string) []decimal.Decimal {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ent, ok := r.bySymbol[symbol]
	if !ok {
		return nil
	}

	seen := make(map[string]bool)
	var out []decimal.Decimal
	for _, s := range ent.Children {
		strike := r.bySymbol[s].Contract.Strike
		if strike.IsZero() || seen[strike.String()] {
			continue
		}
		seen[strike.String()] = true
		out = append(out, strike)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LessThan(out[j]) })
	return out
}

// Expirations returns the sorted distinct expiries of a multi entry's children.
func (r *Registry) Expirations(symbol string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ent, ok := r.bySymbol[symbol]
	if !ok {
		return nil
	}

	seen := make(map[string]bool)
	var out []string
	for _, s := range ent.Children {
		exp := r.bySymbol[s].Contract.Expiry
		if exp == "" || seen[exp] {
			continue
		}
		seen[exp] = true
		out = append(out, exp)
	}
	sort.Strings(out)
	return out
}

// All returns every entry ordered by ticker id.
func (r *Registry) All() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.bySymbol))
	for _, ent := range r.bySymbol {
		out = append(out, ent.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TickerID < out[j].TickerID })
	return out
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySymbol)
}

func (e *entry) snapshot() Entry {
	out := e.Entry
	if len(e.Children) > 0 {
		out.Children = append([]string(nil), e.Children...)
	}
	if len(e.Contract.ComboLegs) > 0 {
		out.Contract.ComboLegs = append([]broker.ComboLeg(nil), e.Contract.ComboLegs...)
	}
	return out
}
