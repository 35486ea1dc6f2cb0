package core

import (
	"encoding/json"
	"fmt"
	"strings"
)

// LotSize is the number of underlying shares per lot. All quantities are in
// lots; every cash amount is price × lots × LotSize.
const LotSize int64 = 100

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

func (s Side) Valid() bool { return s == Buy || s == Sell }

// BookSuffix is the side's suffix in order book keys
func (s Side) BookSuffix() string { return strings.ToLower(string(s)) }

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// ParseSide accepts "BUY"/"SELL" in any case
func ParseSide(v string) (Side, error) {
	s := Side(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("invalid side %q", v)
	}
	return s, nil
}

type OrderStatus string

const (
	StatusPending  OrderStatus = "PENDING"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusMatched  OrderStatus = "MATCHED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
)

// Active reports whether an order in this status may rest in the book
func (s OrderStatus) Active() bool { return s == StatusPending || s == StatusPartial }

// StatusFor returns the status an order carries after a fill leaves remaining lots
func StatusFor(remaining int64) OrderStatus {
	if remaining > 0 {
		return StatusPartial
	}
	return StatusMatched
}

type SessionStatus string

const (
	SessionPreOpen SessionStatus = "PRE_OPEN"
	SessionLocked  SessionStatus = "LOCKED"
	SessionOpen    SessionStatus = "OPEN"
	SessionClosed  SessionStatus = "CLOSED"
	SessionBreak   SessionStatus = "BREAK"
)

// Auction reports whether the phase routes matching requests to the IEP path
func (s SessionStatus) Auction() bool { return s == SessionPreOpen || s == SessionLocked }

// AcceptsBook reports whether new orders are inserted into the book in this phase
func (s SessionStatus) AcceptsBook() bool { return s == SessionOpen || s.Auction() }

type ParticipantKind string

const (
	KindReal        ParticipantKind = "real"
	KindMarketMaker ParticipantKind = "market_maker"
)

// Participant identifies who owns an order. Market-maker liquidity has no
// ledger account: trades against it carry a null order reference on that side
// and skip every balance and holdings effect.
type Participant struct {
	Kind      ParticipantKind `json:"kind"`
	AccountID string          `json:"accountId,omitempty"`
}

func Real(accountID string) Participant {
	return Participant{Kind: KindReal, AccountID: accountID}
}

func MarketMaker() Participant {
	return Participant{Kind: KindMarketMaker}
}

func (p Participant) IsMarketMaker() bool { return p.Kind == KindMarketMaker }

func (p Participant) Valid() bool {
	switch p.Kind {
	case KindReal:
		return p.AccountID != ""
	case KindMarketMaker:
		return p.AccountID == ""
	}
	return false
}

func (p Participant) String() string {
	if p.IsMarketMaker() {
		return "market-maker"
	}
	return p.AccountID
}

func (p *Participant) UnmarshalJSON(b []byte) error {
	type raw Participant
	var r raw
	if err := json.Unmarshal(b, &r); err != nil {
		return err
	}
	*p = Participant(r)
	if !p.Valid() {
		return fmt.Errorf("invalid participant %s", string(b))
	}
	return nil
}
