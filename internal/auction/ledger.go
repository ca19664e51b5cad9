package auction

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Ledger is the transactional storage boundary for auction and bid state.
// Every mutation executes as one atomic transaction that locks the affected
// auction, recomputes derived winner state before commit, and returns a
// receipt rich enough for the caller to emit events without re-reading.
//
// Implementations: InMemory (tests, dev mode) and pg.Store (durable).
type Ledger interface {
	CreateAuction(ctx context.Context, a Auction) (Auction, error)
	GetAuction(ctx context.Context, id string) (Auction, error)
	ListBids(ctx context.Context, auctionID string) ([]Bid, error)

	// ListExpired returns up to limit auctions that are still active but whose
	// window elapsed at or before now, oldest deadline first.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]Auction, error)

	PlaceBid(ctx context.Context, auctionID, userID string, amount decimal.Decimal, now time.Time) (BidReceipt, error)
	CancelBid(ctx context.Context, bidID, userID string, now time.Time) (CancelBidReceipt, error)
	CancelAuction(ctx context.Context, auctionID, ownerID string, now time.Time) (CancelAuctionReceipt, error)

	// CloseAuction transitions an active auction to completed. Only the first
	// caller observing status=active performs the mutation; every later caller
	// receives AlreadyClosed=true with the recorded outcome and must not emit
	// events again.
	CloseAuction(ctx context.Context, auctionID string, now time.Time) (CloseReceipt, error)
}

// BidReceipt reports a committed bid placement. PreviousLeader and Leader are
// the user ids owning the winning bid before and after the write; they differ
// exactly when an Outbid notification is due.
type BidReceipt struct {
	Bid            Bid
	Auction        Auction
	PreviousLeader string
	Leader         string
}

// CancelBidReceipt reports a committed bid cancellation.
type CancelBidReceipt struct {
	Bid     Bid
	Auction Auction
	Leader  string
}

// CancelAuctionReceipt reports a committed auction cancellation. Bidders lists
// the distinct users who had placed bids, for fan-out.
type CancelAuctionReceipt struct {
	Auction Auction
	Bidders []string
}

// CloseReceipt reports the outcome of a close. WinningBid is nil when the
// auction had no bids. Losers lists distinct bidders other than the winner.
type CloseReceipt struct {
	Auction       Auction
	AlreadyClosed bool
	WinningBid    *Bid
	Losers        []string
}
