package auction

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"haulbid.org/internal/ids"
)

// InMemory implements Ledger with in-process concurrency safety. It is the
// reference implementation for unit tests and dev mode; the durable
// implementation lives in internal/store/pg.
type InMemory struct {
	mu       sync.Mutex
	auctions map[string]*Auction
	bids     map[string]*Bid
}

// NewInMemory creates an empty ledger.
func NewInMemory() *InMemory {
	return &InMemory{
		auctions: make(map[string]*Auction),
		bids:     make(map[string]*Bid),
	}
}

var _ Ledger = (*InMemory)(nil)

func (s *InMemory) CreateAuction(ctx context.Context, a Auction) (Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == "" {
		a.ID = ids.New()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = a.CreatedAt
	a.Status = StatusActive
	a.WinnerID = ""
	a.WinningBidID = ""
	a.Revision = 1

	stored := a
	s.auctions[a.ID] = &stored
	return a, nil
}

func (s *InMemory) GetAuction(ctx context.Context, id string) (Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auctions[id]
	if !ok {
		return Auction{}, ErrAuctionNotFound
	}
	return *a, nil
}

func (s *InMemory) ListBids(ctx context.Context, auctionID string) ([]Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.auctions[auctionID]; !ok {
		return nil, ErrAuctionNotFound
	}
	return s.bidsFor(auctionID), nil
}

func (s *InMemory) ListExpired(ctx context.Context, now time.Time, limit int) ([]Auction, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var res []Auction
	for _, a := range s.auctions {
		if a.Status == StatusActive && a.Expired(now) {
			res = append(res, *a)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].EndTime.Equal(res[j].EndTime) {
			return res[i].EndTime.Before(res[j].EndTime)
		}
		return res[i].ID < res[j].ID
	})
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (s *InMemory) PlaceBid(ctx context.Context, auctionID, userID string, amount decimal.Decimal, now time.Time) (BidReceipt, error) {
	if !amount.IsPositive() {
		return BidReceipt{}, ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.auctions[auctionID]
	if !ok {
		return BidReceipt{}, ErrAuctionNotFound
	}
	if a.Status != StatusActive {
		return BidReceipt{}, ErrAuctionNotActive
	}
	if a.Expired(now) {
		return BidReceipt{}, ErrAuctionExpired
	}
	if a.CreatedBy == userID {
		return BidReceipt{}, ErrSelfBidForbidden
	}
	for _, b := range s.bids {
		if b.AuctionID == auctionID && b.UserID == userID && b.Amount.Equal(amount) {
			return BidReceipt{}, ErrDuplicateBid
		}
	}

	previous := s.leader(auctionID)

	bid := Bid{
		ID:        ids.NewAt(now),
		AuctionID: auctionID,
		UserID:    userID,
		Amount:    amount,
		CreatedAt: now.UTC(),
	}
	s.bids[bid.ID] = &bid

	leader := s.recomputeWinner(auctionID)
	a.UpdatedAt = now.UTC()
	a.Revision++

	stored := *s.bids[bid.ID]
	return BidReceipt{
		Bid:            stored,
		Auction:        *a,
		PreviousLeader: previous,
		Leader:         leader,
	}, nil
}

func (s *InMemory) CancelBid(ctx context.Context, bidID, userID string, now time.Time) (CancelBidReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bids[bidID]
	if !ok {
		return CancelBidReceipt{}, ErrBidNotFound
	}
	if b.UserID != userID {
		return CancelBidReceipt{}, ErrUnauthorized
	}
	a, ok := s.auctions[b.AuctionID]
	if !ok {
		return CancelBidReceipt{}, ErrAuctionNotFound
	}
	if a.Status != StatusActive {
		return CancelBidReceipt{}, ErrAuctionNotActive
	}
	if b.IsWinningBid {
		return CancelBidReceipt{}, ErrCannotCancelWinningBid
	}

	removed := *b
	delete(s.bids, bidID)
	leader := s.recomputeWinner(a.ID)
	a.UpdatedAt = now.UTC()
	a.Revision++

	return CancelBidReceipt{Bid: removed, Auction: *a, Leader: leader}, nil
}

func (s *InMemory) CancelAuction(ctx context.Context, auctionID, ownerID string, now time.Time) (CancelAuctionReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.auctions[auctionID]
	if !ok {
		return CancelAuctionReceipt{}, ErrAuctionNotFound
	}
	if a.CreatedBy != ownerID {
		return CancelAuctionReceipt{}, ErrUnauthorized
	}
	if a.Status != StatusActive {
		return CancelAuctionReceipt{}, ErrAuctionNotActive
	}

	a.Status = StatusCancelled
	a.UpdatedAt = now.UTC()
	a.Revision++

	return CancelAuctionReceipt{Auction: *a, Bidders: s.distinctBidders(auctionID, "")}, nil
}

func (s *InMemory) CloseAuction(ctx context.Context, auctionID string, now time.Time) (CloseReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.auctions[auctionID]
	if !ok {
		return CloseReceipt{}, ErrAuctionNotFound
	}
	if a.Status != StatusActive {
		// Expected race with a concurrent closer or the sweeper; report the
		// recorded outcome without mutating anything.
		receipt := CloseReceipt{Auction: *a, AlreadyClosed: true}
		if b, ok := s.bids[a.WinningBidID]; ok {
			stored := *b
			receipt.WinningBid = &stored
		}
		return receipt, nil
	}

	bids := s.bidsFor(auctionID)
	a.Status = StatusCompleted
	a.UpdatedAt = now.UTC()
	a.Revision++

	receipt := CloseReceipt{}
	if winner, ok := Resolve(bids); ok {
		a.WinnerID = winner.UserID
		a.WinningBidID = winner.ID
		s.recomputeWinner(auctionID)
		stored := *s.bids[winner.ID]
		receipt.WinningBid = &stored
		receipt.Losers = s.distinctBidders(auctionID, winner.UserID)
	}
	receipt.Auction = *a
	return receipt, nil
}

// --- helpers, caller must hold mu ---

func (s *InMemory) bidsFor(auctionID string) []Bid {
	var res []Bid
	for _, b := range s.bids {
		if b.AuctionID == auctionID {
			res = append(res, *b)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// recomputeWinner re-runs the resolver and rewrites is_winning_bid flags so
// exactly the resolved bid (if any) carries the flag. Returns the leader's
// user id, or "" when no bids remain.
func (s *InMemory) recomputeWinner(auctionID string) string {
	winner, ok := Resolve(s.bidsFor(auctionID))
	for _, b := range s.bids {
		if b.AuctionID == auctionID {
			b.IsWinningBid = ok && b.ID == winner.ID
		}
	}
	if !ok {
		return ""
	}
	return winner.UserID
}

func (s *InMemory) leader(auctionID string) string {
	for _, b := range s.bids {
		if b.AuctionID == auctionID && b.IsWinningBid {
			return b.UserID
		}
	}
	return ""
}

func (s *InMemory) distinctBidders(auctionID, except string) []string {
	seen := make(map[string]struct{})
	for _, b := range s.bids {
		if b.AuctionID == auctionID && b.UserID != except {
			seen[b.UserID] = struct{}{}
		}
	}
	res := make([]string, 0, len(seen))
	for u := range seen {
		res = append(res, u)
	}
	sort.Strings(res)
	return res
}
