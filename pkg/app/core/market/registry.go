package market

import (
	"fmt"
	"sort"
	"sync"

	"github.com/uhyunpark/bursa/pkg/app/core/pricing"
)

// Instrument is a listed stock and its bands for the current session
type Instrument struct {
	StockID   int64
	Symbol    string
	Name      string
	Active    bool
	PrevClose int64
	Bands     pricing.Bands
}

// Registry manages listed instruments in a thread-safe manner
// Supports registration, lookup, activation and daily band refresh
type Registry struct {
	mu          sync.RWMutex
	instruments map[string]*Instrument // symbol -> instrument
	byID        map[int64]string       // stock id -> symbol
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		instruments: make(map[string]*Instrument),
		byID:        make(map[int64]string),
	}
}

// Register adds an instrument
// Returns error if the symbol or stock id is already taken
func (r *Registry) Register(in Instrument) error {
	if in.Symbol == "" {
		return fmt.Errorf("cannot register instrument without symbol")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instruments[in.Symbol]; exists {
		return fmt.Errorf("instrument %s already registered", in.Symbol)
	}
	if sym, exists := r.byID[in.StockID]; exists {
		return fmt.Errorf("stock id %d already registered as %s", in.StockID, sym)
	}

	cp := in
	r.instruments[in.Symbol] = &cp
	r.byID[in.StockID] = in.Symbol
	return nil
}

// Upsert registers or replaces an instrument's static fields, keeping bands
// when the entry already exists
func (r *Registry) Upsert(in Instrument) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, exists := r.instruments[in.Symbol]; exists {
		if in.PrevClose == 0 {
			in.PrevClose = cur.PrevClose
			in.Bands = cur.Bands
		}
		delete(r.byID, cur.StockID)
	}
	cp := in
	r.instruments[in.Symbol] = &cp
	r.byID[in.StockID] = in.Symbol
}

// Get returns a copy of the instrument
func (r *Registry) Get(symbol string) (Instrument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	in, exists := r.instruments[symbol]
	if !exists {
		return Instrument{}, fmt.Errorf("instrument %s not found", symbol)
	}
	return *in, nil
}

// SymbolFor resolves a stock id
func (r *Registry) SymbolFor(stockID int64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sym, ok := r.byID[stockID]
	return sym, ok
}

// List returns all instruments sorted by symbol
func (r *Registry) List() []Instrument {
	return r.filter(func(*Instrument) bool { return true })
}

// ListActive returns only tradable instruments
func (r *Registry) ListActive() []Instrument {
	return r.filter(func(in *Instrument) bool { return in.Active })
}

// ActiveSymbols is a convenience over ListActive
func (r *Registry) ActiveSymbols() []string {
	active := r.ListActive()
	out := make([]string, len(active))
	for i, in := range active {
		out[i] = in.Symbol
	}
	return out
}

func (r *Registry) filter(keep func(*Instrument) bool) []Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Instrument, 0, len(r.instruments))
	for _, in := range r.instruments {
		if keep(in) {
			out = append(out, *in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// SetDaily stores the session's previous close and the bands derived from it
func (r *Registry) SetDaily(symbol string, prevClose int64) (pricing.Bands, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	in, exists := r.instruments[symbol]
	if !exists {
		return pricing.Bands{}, fmt.Errorf("instrument %s not found", symbol)
	}
	in.PrevClose = prevClose
	in.Bands = pricing.ComputeBands(prevClose)
	return in.Bands, nil
}

// SetActive halts or resumes an instrument
func (r *Registry) SetActive(symbol string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	in, exists := r.instruments[symbol]
	if !exists {
		return fmt.Errorf("instrument %s not found", symbol)
	}
	in.Active = active
	return nil
}

// Count returns the total number of registered instruments
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instruments)
}

// Exists checks if a symbol is registered
func (r *Registry) Exists(symbol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.instruments[symbol]
	return exists
}
