// Package session drives the trading day: PRE_OPEN call auction, LOCKED
// freeze, the opening cross into continuous trading, and the close.
package session

import (
	"sync/atomic"

	"github.com/uhyunpark/bursa/pkg/app/core"
)

// State holds the current phase. It is shared by the engine, the order
// service and the manager, and read on every placement.
type State struct {
	v atomic.Value
}

func NewState(initial core.SessionStatus) *State {
	s := &State{}
	s.v.Store(initial)
	return s
}

func (s *State) Status() core.SessionStatus {
	if st, ok := s.v.Load().(core.SessionStatus); ok {
		return st
	}
	return core.SessionClosed
}

func (s *State) set(st core.SessionStatus) { s.v.Store(st) }
