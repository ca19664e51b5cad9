package notify

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Type identifies the state transition a notification reports.
type Type string

const (
	TypeAuctionCreated   Type = "auction_created"
	TypeBidPlaced        Type = "bid_placed"
	TypeOutbid           Type = "outbid"
	TypeAuctionWon       Type = "auction_won"
	TypeAuctionLost      Type = "auction_lost"
	TypeAuctionCancelled Type = "auction_cancelled"
	TypeBidCancelled     Type = "bid_cancelled"

	// TypeAuctionClosed is the completion notice sent to the creator at close,
	// whether or not any bids were placed.
	TypeAuctionClosed Type = "auction_closed"
)

// Event is what the bid/auction services emit after a transaction commits.
// It is transport-agnostic: the dispatcher turns it into a persisted row, an
// SSE frame and a best-effort push.
type Event struct {
	UserID    string `json:"user_id"`
	Type      Type   `json:"type"`
	AuctionID string `json:"auction_id"`
	// Revision is the auction revision at the commit that produced the event.
	// Emission may interleave across request goroutines; consumers that need
	// per-auction commit order sort by it.
	Revision int64          `json:"revision,omitempty"`
	Message  string         `json:"message"`
	Data     map[string]any `json:"data,omitempty"`
}

// Notification is the persisted form of an Event. Only is_read is ever
// mutated after creation, and only on behalf of the owning user.
type Notification struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	AuctionID string         `json:"auction_id"`
	Type      Type           `json:"type"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	IsRead    bool           `json:"is_read"`
	CreatedAt time.Time      `json:"created_at"`
}

// Store persists notifications.
type Store interface {
	Save(ctx context.Context, n Notification) error
	ListByUser(ctx context.Context, userID string, limit int) ([]Notification, error)
	MarkRead(ctx context.Context, id, userID string) error
}

// Sender delivers a push message over an external token-based transport.
// Delivery is best-effort; the engine never blocks on it.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// ErrNotFound is returned by MarkRead when the notification does not exist or
// belongs to another user.
var ErrNotFound = errors.New("notification not found")

// MemoryStore keeps notifications in process, newest first per user.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*Notification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*Notification)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Save(ctx context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := n
	s.items[n.ID] = &stored
	return nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []Notification
	for _, n := range s.items {
		if n.UserID == userID {
			res = append(res, *n)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID > res[j].ID })
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (s *MemoryStore) MarkRead(ctx context.Context, id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.items[id]
	if !ok || n.UserID != userID {
		return ErrNotFound
	}
	n.IsRead = true
	return nil
}
