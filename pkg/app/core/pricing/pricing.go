// Package pricing holds the exchange's price grid rules: tick size by price
// magnitude and the daily auto-rejection band derived from previous close.
package pricing

// TickSize returns the minimum price increment for a price
func TickSize(price int64) int64 {
	switch {
	case price < 200:
		return 1
	case price < 500:
		return 2
	case price < 2000:
		return 5
	case price < 5000:
		return 10
	default:
		return 25
	}
}

// IsValidTick reports whether price sits on its tick grid
func IsValidTick(price int64) bool {
	return price%TickSize(price) == 0
}

// Bands is the daily auto-rejection range. Upper is ARA, Lower is ARB.
type Bands struct {
	Upper int64 `json:"ara"`
	Lower int64 `json:"arb"`
}

// Contains reports whether price lies inside [Lower, Upper]
func (b Bands) Contains(price int64) bool {
	return price >= b.Lower && price <= b.Upper
}

// BandPercent returns the band width in whole percent for a previous close
func BandPercent(prevClose int64) int64 {
	switch {
	case prevClose <= 200:
		return 35
	case prevClose <= 5000:
		return 25
	default:
		return 20
	}
}

// ComputeBands derives ARA/ARB from the previous close.
// The upper band is floored onto the tick grid of the raw upper bound and the
// lower band is ceiled onto the tick grid of the raw lower bound, so the band
// never ends up wider than the percentage allows.
func ComputeBands(prevClose int64) Bands {
	if prevClose <= 0 {
		return Bands{}
	}
	pct := BandPercent(prevClose)

	upper := prevClose * (100 + pct) / 100
	upperTick := TickSize(upper)
	upper = upper / upperTick * upperTick

	lowerNum := prevClose * (100 - pct)
	lower := (lowerNum + 99) / 100
	lowerTick := TickSize(lower)
	lower = (lower + lowerTick - 1) / lowerTick * lowerTick

	return Bands{Upper: upper, Lower: lower}
}
