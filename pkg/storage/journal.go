package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/uhyunpark/bursa/pkg/app/core/ledger"
)

// JournalRecord is one executed trade as written to the journal
type JournalRecord struct {
	TradeID     string    `json:"tradeId"`
	Symbol      string    `json:"symbol"`
	StockID     int64     `json:"stockId"`
	BuyOrderID  *string   `json:"buyOrderId"`
	SellOrderID *string   `json:"sellOrderId"`
	Price       int64     `json:"price"`
	Quantity    int64     `json:"quantity"`
	Auction     bool      `json:"auction,omitempty"`
	ExecutedAt  time.Time `json:"executedAt"`
}

func RecordOf(t ledger.Trade, auction bool) JournalRecord {
	return JournalRecord{
		TradeID:     t.ID,
		Symbol:      t.Symbol,
		StockID:     t.StockID,
		BuyOrderID:  t.BuyOrderID,
		SellOrderID: t.SellOrderID,
		Price:       t.Price,
		Quantity:    t.Quantity,
		Auction:     auction,
		ExecutedAt:  t.ExecutedAt,
	}
}

type NopJournal struct{}

func NewNopJournal() *NopJournal { return &NopJournal{} }

func (*NopJournal) Record(ledger.Trade, bool) error { return nil }
func (*NopJournal) Close() error                    { return nil }

// FileJournal appends one JSON object per line. The ledger stays the source
// of truth; the journal is an audit trail that can be tailed.
type FileJournal struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

func NewFileJournal(path string) (*FileJournal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileJournal{f: f, w: bufio.NewWriter(f)}, nil
}

func (j *FileJournal) Record(t ledger.Trade, auction bool) error {
	line, err := json.Marshal(RecordOf(t, auction))
	if err != nil {
		return fmt.Errorf("encode journal record: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.w.Write(append(line, '\n')); err != nil {
		return err
	}
	return j.w.Flush()
}

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.w.Flush(); err != nil {
		j.f.Close()
		return err
	}
	return j.f.Close()
}
