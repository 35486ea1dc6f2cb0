package orderbook

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/bursa/pkg/app/core"
)

var ErrMalformedEntry = errors.New("malformed book entry")

// Entry is the resting projection of a ledger order. It is an immutable value:
// a partial fill produces a new Entry through WithRemaining and the old one is
// removed from the store, never mutated in place.
type Entry struct {
	OrderID   string           `json:"orderId"`
	Owner     core.Participant `json:"owner"`
	StockID   int64            `json:"stockId"`
	Symbol    string           `json:"symbol"`
	Side      core.Side        `json:"side"`
	Price     int64            `json:"price"`
	Quantity  int64            `json:"quantity"`
	Remaining int64            `json:"remaining_quantity"`
	// Timestamp is the arrival instant in unix nanoseconds; it is the time
	// priority tie-break and survives every re-insertion unchanged.
	Timestamp int64 `json:"timestamp"`
	// RefPrice is the owner's average acquisition cost at order time, carried
	// for settlement only.
	RefPrice *decimal.Decimal `json:"avg_price_at_order,omitempty"`
}

// WithRemaining copies the entry with a new remaining quantity
func (e Entry) WithRemaining(remaining int64) Entry {
	e.Remaining = remaining
	return e
}

func (e Entry) Validate() error {
	switch {
	case e.OrderID == "":
		return fmt.Errorf("%w: missing order id", ErrMalformedEntry)
	case !e.Owner.Valid():
		return fmt.Errorf("%w: order %s has invalid owner", ErrMalformedEntry, e.OrderID)
	case !e.Side.Valid():
		return fmt.Errorf("%w: order %s has invalid side %q", ErrMalformedEntry, e.OrderID, e.Side)
	case e.Price <= 0:
		return fmt.Errorf("%w: order %s has non-positive price %d", ErrMalformedEntry, e.OrderID, e.Price)
	case e.Remaining <= 0:
		return fmt.Errorf("%w: order %s has non-positive remaining %d", ErrMalformedEntry, e.OrderID, e.Remaining)
	case e.Remaining > e.Quantity:
		return fmt.Errorf("%w: order %s remaining %d exceeds quantity %d", ErrMalformedEntry, e.OrderID, e.Remaining, e.Quantity)
	}
	return nil
}

// Encode serializes the entry into the store's opaque member payload
func (e Entry) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses and validates a stored payload
func Decode(payload []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(payload, &e); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}
	if err := e.Validate(); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Resting is a decoded entry together with the exact member it was read from,
// which is what removal must be given.
type Resting struct {
	Entry
	Member Member
}

// Parse decodes members and splits them into valid entries and malformed
// members that should be purged from the store.
func Parse(members []Member) (valid []Resting, malformed []Member) {
	valid = make([]Resting, 0, len(members))
	for _, m := range members {
		e, err := Decode(m.Payload)
		if err != nil || e.Price != m.Price {
			malformed = append(malformed, m)
			continue
		}
		valid = append(valid, Resting{Entry: e, Member: m})
	}
	return valid, malformed
}

// SortBids orders by price descending, then arrival ascending
func SortBids(rs []Resting) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Price != rs[j].Price {
			return rs[i].Price > rs[j].Price
		}
		return earlier(rs[i].Entry, rs[j].Entry)
	})
}

// SortAsks orders by price ascending, then arrival ascending
func SortAsks(rs []Resting) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Price != rs[j].Price {
			return rs[i].Price < rs[j].Price
		}
		return earlier(rs[i].Entry, rs[j].Entry)
	})
}

// SortPriceTime applies the side's price-time priority
func SortPriceTime(side core.Side, rs []Resting) {
	if side == core.Buy {
		SortBids(rs)
		return
	}
	SortAsks(rs)
}

func earlier(a, b Entry) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.OrderID < b.OrderID
}
