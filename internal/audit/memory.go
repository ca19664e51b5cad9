package audit

import (
	"context"
	"sync"
	"time"

	"haulbid.org/internal/ids"
)

// MemoryRecorder keeps audit records in process; the durable recorder lives in
// internal/store/pg.
type MemoryRecorder struct {
	mu   sync.Mutex
	recs []Record
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

var _ Recorder = (*MemoryRecorder)(nil)

func (r *MemoryRecorder) Append(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = ids.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

// ByAuction returns the records appended for one auction, oldest first.
func (r *MemoryRecorder) ByAuction(auctionID string) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []Record
	for _, rec := range r.recs {
		if rec.AuctionID == auctionID {
			res = append(res, rec)
		}
	}
	return res
}
