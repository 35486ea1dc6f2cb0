package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/uhyunpark/bursa/pkg/app/core"
	"github.com/uhyunpark/bursa/pkg/app/core/ledger"
)

var bookSides = [2]core.Side{core.Buy, core.Sell}

// poolSaturation is the share of open connections in use above which the
// ledger pool is reported unhealthy
const poolSaturation = 0.8

type Health struct {
	Healthy bool              `json:"healthy"`
	Book    string            `json:"book"`
	Ledger  string            `json:"ledger"`
	Pool    *ledger.PoolStats `json:"pool,omitempty"`
	Open    []string          `json:"openCircuits,omitempty"`
}

// HealthCheck combines book store reachability with ledger pool saturation
func (e *Engine) HealthCheck(ctx context.Context) Health {
	h := Health{Healthy: true, Book: "ok", Ledger: "ok"}

	if err := e.book.Ping(ctx); err != nil {
		h.Healthy = false
		h.Book = err.Error()
	}
	if e.health != nil {
		if err := e.health.Ping(ctx); err != nil {
			h.Healthy = false
			h.Ledger = err.Error()
		}
		ps := e.health.PoolStats()
		h.Pool = &ps
		if ps.MaxOpen > 0 && float64(ps.InUse) >= poolSaturation*float64(ps.MaxOpen) {
			h.Healthy = false
			h.Ledger = fmt.Sprintf("pool saturated: %d/%d in use", ps.InUse, ps.MaxOpen)
		}
	}
	for sym, b := range e.breakers.snapshot() {
		if b.State == BreakerOpen {
			h.Open = append(h.Open, sym)
		}
	}
	sort.Strings(h.Open)
	return h
}
