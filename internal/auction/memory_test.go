package auction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestAuction(t *testing.T, s *InMemory, owner string, end time.Time) Auction {
	t.Helper()
	a, err := s.CreateAuction(context.Background(), Auction{
		Title:           "Grain haul",
		VehicleType:     LargeTruck,
		StartTime:       testNow.Add(-time.Hour),
		EndTime:         end,
		ConsignmentDate: testNow.Add(48 * time.Hour),
		CreatedBy:       owner,
	})
	if err != nil {
		t.Fatalf("CreateAuction: %v", err)
	}
	return a
}

func mustBid(t *testing.T, s *InMemory, auctionID, user string, amount int64, at time.Time) BidReceipt {
	t.Helper()
	r, err := s.PlaceBid(context.Background(), auctionID, user, decimal.NewFromInt(amount), at)
	if err != nil {
		t.Fatalf("PlaceBid(%s, %d): %v", user, amount, err)
	}
	return r
}

func TestPlaceBidLeaderTransitions(t *testing.T) {
	s := NewInMemory()
	a := newTestAuction(t, s, "consigner-1", testNow.Add(time.Hour))

	r1 := mustBid(t, s, a.ID, "driver-1", 100, testNow)
	if r1.PreviousLeader != "" || r1.Leader != "driver-1" || !r1.Bid.IsWinningBid {
		t.Fatalf("first bid receipt: %+v", r1)
	}

	r2 := mustBid(t, s, a.ID, "driver-2", 90, testNow.Add(time.Minute))
	if r2.PreviousLeader != "driver-1" || r2.Leader != "driver-2" {
		t.Fatalf("second bid transition: %q -> %q", r2.PreviousLeader, r2.Leader)
	}

	// Higher bid does not take the lead.
	r3 := mustBid(t, s, a.ID, "driver-3", 95, testNow.Add(2*time.Minute))
	if r3.Leader != "driver-2" || r3.Bid.IsWinningBid {
		t.Fatalf("higher bid must not lead: %+v", r3)
	}

	bids, err := s.ListBids(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("ListBids: %v", err)
	}
	winners := 0
	for _, b := range bids {
		if b.IsWinningBid {
			winners++
			if b.UserID != "driver-2" {
				t.Fatalf("flag on wrong bid: %+v", b)
			}
		}
	}
	if winners != 1 {
		t.Fatalf("exactly one bid must carry the flag, got %d", winners)
	}
}

func TestPlaceBidGuards(t *testing.T) {
	s := NewInMemory()
	a := newTestAuction(t, s, "consigner-1", testNow.Add(time.Hour))
	mustBid(t, s, a.ID, "driver-1", 100, testNow)

	cases := []struct {
		name      string
		auctionID string
		user      string
		amount    int64
		at        time.Time
		want      error
	}{
		{"unknown auction", "missing", "driver-1", 90, testNow, ErrAuctionNotFound},
		{"self bid", a.ID, "consigner-1", 90, testNow, ErrSelfBidForbidden},
		{"duplicate amount", a.ID, "driver-1", 100, testNow.Add(time.Minute), ErrDuplicateBid},
		{"expired window", a.ID, "driver-2", 90, testNow.Add(2 * time.Hour), ErrAuctionExpired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.PlaceBid(context.Background(), tc.auctionID, tc.user, decimal.NewFromInt(tc.amount), tc.at)
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}

	if _, err := s.PlaceBid(context.Background(), a.ID, "driver-2", decimal.Zero, testNow); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero amount: got %v", err)
	}

	if _, err := s.CancelAuction(context.Background(), a.ID, "consigner-1", testNow); err != nil {
		t.Fatalf("CancelAuction: %v", err)
	}
	if _, err := s.PlaceBid(context.Background(), a.ID, "driver-2", decimal.NewFromInt(90), testNow); !errors.Is(err, ErrAuctionNotActive) {
		t.Fatalf("bid on cancelled auction: got %v", err)
	}
}

func TestCancelBidRules(t *testing.T) {
	s := NewInMemory()
	a := newTestAuction(t, s, "consigner-1", testNow.Add(time.Hour))

	winning := mustBid(t, s, a.ID, "driver-1", 80, testNow)
	trailing := mustBid(t, s, a.ID, "driver-2", 90, testNow.Add(time.Minute))

	if _, err := s.CancelBid(context.Background(), winning.Bid.ID, "driver-1", testNow); !errors.Is(err, ErrCannotCancelWinningBid) {
		t.Fatalf("cancel winning bid: got %v", err)
	}
	if _, err := s.CancelBid(context.Background(), trailing.Bid.ID, "driver-3", testNow); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("cancel someone else's bid: got %v", err)
	}
	if _, err := s.CancelBid(context.Background(), "missing", "driver-2", testNow); !errors.Is(err, ErrBidNotFound) {
		t.Fatalf("cancel unknown bid: got %v", err)
	}

	r, err := s.CancelBid(context.Background(), trailing.Bid.ID, "driver-2", testNow.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("CancelBid: %v", err)
	}
	if r.Leader != "driver-1" {
		t.Fatalf("leader after trailing cancel = %q", r.Leader)
	}
	if _, err := s.CancelBid(context.Background(), trailing.Bid.ID, "driver-2", testNow); !errors.Is(err, ErrBidNotFound) {
		t.Fatalf("repeat cancel: got %v", err)
	}
}

func TestCancelBidPromotesNextLowest(t *testing.T) {
	s := NewInMemory()
	a := newTestAuction(t, s, "consigner-1", testNow.Add(time.Hour))

	mustBid(t, s, a.ID, "driver-1", 80, testNow)
	second := mustBid(t, s, a.ID, "driver-2", 85, testNow.Add(time.Minute))
	mustBid(t, s, a.ID, "driver-3", 90, testNow.Add(2*time.Minute))

	r, err := s.CancelBid(context.Background(), second.Bid.ID, "driver-2", testNow.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("CancelBid: %v", err)
	}
	if r.Leader != "driver-1" {
		t.Fatalf("leader = %q, want driver-1", r.Leader)
	}

	bids, _ := s.ListBids(context.Background(), a.ID)
	if len(bids) != 2 {
		t.Fatalf("bids left = %d, want 2", len(bids))
	}
}

func TestCloseAuctionIdempotent(t *testing.T) {
	s := NewInMemory()
	a := newTestAuction(t, s, "consigner-1", testNow.Add(time.Minute))

	mustBid(t, s, a.ID, "driver-1", 100, testNow)
	mustBid(t, s, a.ID, "driver-2", 90, testNow.Add(time.Second))
	mustBid(t, s, a.ID, "driver-3", 80, testNow.Add(2*time.Second))

	first, err := s.CloseAuction(context.Background(), a.ID, testNow.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("CloseAuction: %v", err)
	}
	if first.AlreadyClosed {
		t.Fatal("first close must not report AlreadyClosed")
	}
	if first.WinningBid == nil || first.WinningBid.UserID != "driver-3" {
		t.Fatalf("winner = %+v, want driver-3", first.WinningBid)
	}
	if len(first.Losers) != 2 {
		t.Fatalf("losers = %v", first.Losers)
	}
	if first.Auction.Status != StatusCompleted || first.Auction.WinnerID != "driver-3" {
		t.Fatalf("auction after close: %+v", first.Auction)
	}

	second, err := s.CloseAuction(context.Background(), a.ID, testNow.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("repeat CloseAuction: %v", err)
	}
	if !second.AlreadyClosed {
		t.Fatal("repeat close must report AlreadyClosed")
	}
	if second.Auction.WinnerID != "driver-3" {
		t.Fatalf("repeat close changed winner: %+v", second.Auction)
	}
	if second.WinningBid == nil || second.WinningBid.UserID != "driver-3" ||
		!second.WinningBid.Amount.Equal(decimal.NewFromInt(80)) {
		t.Fatalf("repeat close must carry the recorded winning bid: %+v", second.WinningBid)
	}
}

func TestCloseAuctionRepeatOnCancelledHasNoWinner(t *testing.T) {
	s := NewInMemory()
	a := newTestAuction(t, s, "consigner-1", testNow.Add(time.Hour))
	mustBid(t, s, a.ID, "driver-1", 100, testNow)

	if _, err := s.CancelAuction(context.Background(), a.ID, "consigner-1", testNow); err != nil {
		t.Fatalf("CancelAuction: %v", err)
	}

	r, err := s.CloseAuction(context.Background(), a.ID, testNow.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("CloseAuction: %v", err)
	}
	if !r.AlreadyClosed || r.WinningBid != nil {
		t.Fatalf("close of cancelled auction: %+v", r)
	}
}

func TestMutationsBumpRevision(t *testing.T) {
	s := NewInMemory()
	a := newTestAuction(t, s, "consigner-1", testNow.Add(time.Hour))
	if a.Revision != 1 {
		t.Fatalf("revision after create = %d, want 1", a.Revision)
	}

	r1 := mustBid(t, s, a.ID, "driver-1", 100, testNow)
	r2 := mustBid(t, s, a.ID, "driver-2", 90, testNow.Add(time.Second))
	if r1.Auction.Revision != 2 || r2.Auction.Revision != 3 {
		t.Fatalf("bid revisions = %d, %d, want 2, 3", r1.Auction.Revision, r2.Auction.Revision)
	}

	cancel, err := s.CancelBid(context.Background(), r1.Bid.ID, "driver-1", testNow.Add(2*time.Second))
	if err != nil {
		t.Fatalf("CancelBid: %v", err)
	}
	if cancel.Auction.Revision != 4 {
		t.Fatalf("revision after bid cancel = %d, want 4", cancel.Auction.Revision)
	}

	closed, err := s.CloseAuction(context.Background(), a.ID, testNow.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("CloseAuction: %v", err)
	}
	if closed.Auction.Revision != 5 {
		t.Fatalf("revision after close = %d, want 5", closed.Auction.Revision)
	}

	repeat, err := s.CloseAuction(context.Background(), a.ID, testNow.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("repeat CloseAuction: %v", err)
	}
	if repeat.Auction.Revision != 5 {
		t.Fatalf("no-op close must not bump the revision: %d", repeat.Auction.Revision)
	}
}

func TestCloseAuctionConcurrent(t *testing.T) {
	s := NewInMemory()
	a := newTestAuction(t, s, "consigner-1", testNow.Add(time.Minute))
	mustBid(t, s, a.ID, "driver-1", 70, testNow)

	const n = 16
	var wg sync.WaitGroup
	fresh := make(chan CloseReceipt, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := s.CloseAuction(context.Background(), a.ID, testNow.Add(2*time.Minute))
			if err != nil {
				t.Errorf("CloseAuction: %v", err)
				return
			}
			if !r.AlreadyClosed {
				fresh <- r
			}
		}()
	}
	wg.Wait()
	close(fresh)

	count := 0
	for range fresh {
		count++
	}
	if count != 1 {
		t.Fatalf("exactly one closer must win the race, got %d", count)
	}
}

func TestCloseAuctionWithoutBids(t *testing.T) {
	s := NewInMemory()
	a := newTestAuction(t, s, "consigner-1", testNow.Add(time.Minute))

	r, err := s.CloseAuction(context.Background(), a.ID, testNow.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("CloseAuction: %v", err)
	}
	if r.WinningBid != nil || r.Auction.WinnerID != "" {
		t.Fatalf("no-bid close must have no winner: %+v", r)
	}
	if r.Auction.Status != StatusCompleted {
		t.Fatalf("status = %s", r.Auction.Status)
	}
}

func TestCancelAuction(t *testing.T) {
	s := NewInMemory()
	a := newTestAuction(t, s, "consigner-1", testNow.Add(time.Hour))
	mustBid(t, s, a.ID, "driver-1", 100, testNow)
	mustBid(t, s, a.ID, "driver-2", 90, testNow.Add(time.Second))
	mustBid(t, s, a.ID, "driver-2", 85, testNow.Add(2*time.Second))

	if _, err := s.CancelAuction(context.Background(), a.ID, "driver-1", testNow); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-owner cancel: got %v", err)
	}

	r, err := s.CancelAuction(context.Background(), a.ID, "consigner-1", testNow.Add(time.Minute))
	if err != nil {
		t.Fatalf("CancelAuction: %v", err)
	}
	if r.Auction.Status != StatusCancelled {
		t.Fatalf("status = %s", r.Auction.Status)
	}
	if len(r.Bidders) != 2 {
		t.Fatalf("distinct bidders = %v", r.Bidders)
	}

	if _, err := s.CancelAuction(context.Background(), a.ID, "consigner-1", testNow); !errors.Is(err, ErrAuctionNotActive) {
		t.Fatalf("repeat cancel: got %v", err)
	}
}

func TestListExpired(t *testing.T) {
	s := NewInMemory()
	early := newTestAuction(t, s, "consigner-1", testNow.Add(-2*time.Hour))
	late := newTestAuction(t, s, "consigner-1", testNow.Add(-time.Hour))
	newTestAuction(t, s, "consigner-1", testNow.Add(time.Hour))

	cancelled := newTestAuction(t, s, "consigner-1", testNow.Add(-time.Minute))
	if _, err := s.CancelAuction(context.Background(), cancelled.ID, "consigner-1", testNow); err != nil {
		t.Fatalf("CancelAuction: %v", err)
	}

	expired, err := s.ListExpired(context.Background(), testNow, 0)
	if err != nil {
		t.Fatalf("ListExpired: %v", err)
	}
	if len(expired) != 2 {
		t.Fatalf("expired = %d, want 2", len(expired))
	}
	if expired[0].ID != early.ID || expired[1].ID != late.ID {
		t.Fatalf("expired order: %s, %s", expired[0].ID, expired[1].ID)
	}

	limited, err := s.ListExpired(context.Background(), testNow, 1)
	if err != nil {
		t.Fatalf("ListExpired limit: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != early.ID {
		t.Fatalf("limited = %+v", limited)
	}
}
