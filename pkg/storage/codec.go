package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// Pebble book key schema:
//
//	z:<book key>\x00<8-byte price><payload> -> empty   (score order)
//	p:<book key>\x00<payload>               -> 8-byte price (member index)
//
// Prices are stored big-endian with the sign bit flipped so byte order
// matches numeric order.
const (
	prefixScore = "z:"
	prefixIndex = "p:"
	keySep      = 0x00
	priceLen    = 8
)

var errBadKey = errors.New("storage: malformed book key")

func encodePrice(p int64) []byte {
	var b [priceLen]byte
	binary.BigEndian.PutUint64(b[:], uint64(p)^(1<<63))
	return b[:]
}

func decodePrice(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63))
}

func scorePrefix(key string) []byte {
	out := make([]byte, 0, len(prefixScore)+len(key)+1)
	out = append(out, prefixScore...)
	out = append(out, key...)
	return append(out, keySep)
}

func scoreKey(key string, price int64, payload []byte) []byte {
	out := scorePrefix(key)
	out = append(out, encodePrice(price)...)
	return append(out, payload...)
}

func indexKey(key string, payload []byte) []byte {
	out := make([]byte, 0, len(prefixIndex)+len(key)+1+len(payload))
	out = append(out, prefixIndex...)
	out = append(out, key...)
	out = append(out, keySep)
	return append(out, payload...)
}

// splitScoreKey returns the book key, price and payload of a score entry
func splitScoreKey(k []byte) (string, int64, []byte, error) {
	if !bytes.HasPrefix(k, []byte(prefixScore)) {
		return "", 0, nil, errBadKey
	}
	rest := k[len(prefixScore):]
	i := bytes.IndexByte(rest, keySep)
	if i < 0 || len(rest) < i+1+priceLen {
		return "", 0, nil, errBadKey
	}
	price := decodePrice(rest[i+1 : i+1+priceLen])
	payload := append([]byte(nil), rest[i+1+priceLen:]...)
	return string(rest[:i]), price, payload, nil
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	for i := len(bound) - 1; i >= 0; i-- {
		if bound[i] < 0xff {
			bound[i]++
			return bound[:i+1]
		}
	}
	return nil
}
