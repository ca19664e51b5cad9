package auction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"haulbid.org/internal/audit"
	"haulbid.org/internal/notify"
	"haulbid.org/internal/profile"
)

type captureSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *captureSink) Dispatch(ctx context.Context, evt notify.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureSink) byType(tp notify.Type) []notify.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var res []notify.Event
	for _, e := range c.events {
		if e.Type == tp {
			res = append(res, e)
		}
	}
	return res
}

func (c *captureSink) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

func newTestService(t *testing.T) (*Service, *captureSink, *audit.MemoryRecorder) {
	t.Helper()
	dir := profile.NewInMemory()
	for _, p := range []profile.Profile{
		{ID: "consigner-1", Role: profile.RoleConsigner},
		{ID: "driver-1", Role: profile.RoleDriver, VehicleType: "large_truck"},
		{ID: "driver-2", Role: profile.RoleDriver, VehicleType: "pickup_truck"},
		{ID: "driver-3", Role: profile.RoleDriver},
	} {
		if err := dir.Upsert(p); err != nil {
			t.Fatalf("Upsert(%s): %v", p.ID, err)
		}
	}
	sink := &captureSink{}
	recorder := audit.NewMemoryRecorder()
	svc := NewService(NewInMemory(), dir, sink, recorder,
		WithClock(func() time.Time { return testNow }))
	return svc, sink, recorder
}

func validInput() CreateAuctionInput {
	return CreateAuctionInput{
		Title:           "Grain haul",
		Description:     "12 pallets",
		VehicleType:     "large_truck",
		StartTime:       testNow,
		EndTime:         testNow.Add(time.Hour),
		ConsignmentDate: testNow.Add(48 * time.Hour),
		CreatedBy:       "consigner-1",
	}
}

func TestCreateAuctionRequiresConsigner(t *testing.T) {
	svc, _, _ := newTestService(t)

	in := validInput()
	in.CreatedBy = "driver-1"
	if _, err := svc.CreateAuction(context.Background(), in); !errors.Is(err, ErrRoleForbidden) {
		t.Fatalf("driver creating auction: got %v", err)
	}

	in.CreatedBy = "nobody"
	if _, err := svc.CreateAuction(context.Background(), in); !errors.Is(err, ErrRoleForbidden) {
		t.Fatalf("unknown user creating auction: got %v", err)
	}
}

func TestCreateAuctionValidation(t *testing.T) {
	svc, _, _ := newTestService(t)

	cases := []struct {
		name   string
		mutate func(*CreateAuctionInput)
		want   error
	}{
		{"blank title", func(in *CreateAuctionInput) { in.Title = "   " }, ErrInvalidFields},
		{"unknown vehicle type", func(in *CreateAuctionInput) { in.VehicleType = "hovercraft" }, ErrInvalidFields},
		{"missing consignment date", func(in *CreateAuctionInput) { in.ConsignmentDate = time.Time{} }, ErrInvalidFields},
		{"window below minimum", func(in *CreateAuctionInput) { in.EndTime = in.StartTime.Add(4 * time.Minute) }, ErrInvalidDuration},
		{"window above maximum", func(in *CreateAuctionInput) { in.EndTime = in.StartTime.Add(MaxDuration + time.Second) }, ErrInvalidDuration},
		{"negative window", func(in *CreateAuctionInput) { in.EndTime = in.StartTime.Add(-time.Hour) }, ErrInvalidDuration},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := validInput()
			tc.mutate(&in)
			if _, err := svc.CreateAuction(context.Background(), in); !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}

	// Boundary windows are accepted.
	for _, d := range []time.Duration{MinDuration, MaxDuration} {
		in := validInput()
		in.EndTime = in.StartTime.Add(d)
		if _, err := svc.CreateAuction(context.Background(), in); err != nil {
			t.Fatalf("window %v rejected: %v", d, err)
		}
	}
}

func TestCreateAuctionNotifiesMatchingDrivers(t *testing.T) {
	svc, sink, _ := newTestService(t)

	a, err := svc.CreateAuction(context.Background(), validInput())
	if err != nil {
		t.Fatalf("CreateAuction: %v", err)
	}

	created := sink.byType(notify.TypeAuctionCreated)
	got := map[string]bool{}
	for _, e := range created {
		got[e.UserID] = true
		if e.AuctionID != a.ID {
			t.Fatalf("event for wrong auction: %+v", e)
		}
	}
	// driver-1 matches large_truck, driver-3 has no vehicle type on record.
	if !got["driver-1"] || !got["driver-3"] || got["driver-2"] {
		t.Fatalf("fan-out recipients: %v", got)
	}
}

func TestPlaceBidRequiresDriver(t *testing.T) {
	svc, _, _ := newTestService(t)
	a, err := svc.CreateAuction(context.Background(), validInput())
	if err != nil {
		t.Fatalf("CreateAuction: %v", err)
	}

	if _, err := svc.PlaceBid(context.Background(), a.ID, "consigner-1", decimal.NewFromInt(90)); !errors.Is(err, ErrRoleForbidden) {
		t.Fatalf("consigner bidding: got %v", err)
	}
	if _, err := svc.PlaceBid(context.Background(), a.ID, "driver-1", decimal.NewFromInt(-5)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("negative amount: got %v", err)
	}
}

func TestPlaceBidEmitsOutbidOnLeaderChange(t *testing.T) {
	svc, sink, _ := newTestService(t)
	a, err := svc.CreateAuction(context.Background(), validInput())
	if err != nil {
		t.Fatalf("CreateAuction: %v", err)
	}
	sink.reset()

	if _, err := svc.PlaceBid(context.Background(), a.ID, "driver-1", decimal.NewFromInt(100)); err != nil {
		t.Fatalf("first bid: %v", err)
	}
	if n := len(sink.byType(notify.TypeOutbid)); n != 0 {
		t.Fatalf("first bid produced %d outbid events", n)
	}
	placed := sink.byType(notify.TypeBidPlaced)
	if len(placed) != 1 || placed[0].UserID != "consigner-1" {
		t.Fatalf("bid_placed events: %+v", placed)
	}

	if _, err := svc.PlaceBid(context.Background(), a.ID, "driver-2", decimal.NewFromInt(90)); err != nil {
		t.Fatalf("second bid: %v", err)
	}
	outbid := sink.byType(notify.TypeOutbid)
	if len(outbid) != 1 || outbid[0].UserID != "driver-1" {
		t.Fatalf("outbid events: %+v", outbid)
	}

	// A driver improving their own lead is not an outbid.
	sink.reset()
	if _, err := svc.PlaceBid(context.Background(), a.ID, "driver-2", decimal.NewFromInt(85)); err != nil {
		t.Fatalf("self-improvement bid: %v", err)
	}
	if n := len(sink.byType(notify.TypeOutbid)); n != 0 {
		t.Fatalf("self-improvement produced %d outbid events", n)
	}
}

func TestCancelBidNotifiesCreator(t *testing.T) {
	svc, sink, _ := newTestService(t)
	a, err := svc.CreateAuction(context.Background(), validInput())
	if err != nil {
		t.Fatalf("CreateAuction: %v", err)
	}
	if _, err := svc.PlaceBid(context.Background(), a.ID, "driver-1", decimal.NewFromInt(80)); err != nil {
		t.Fatalf("bid: %v", err)
	}
	trailing, err := svc.PlaceBid(context.Background(), a.ID, "driver-2", decimal.NewFromInt(90))
	if err != nil {
		t.Fatalf("bid: %v", err)
	}
	sink.reset()

	if err := svc.CancelBid(context.Background(), trailing.ID, "driver-2"); err != nil {
		t.Fatalf("CancelBid: %v", err)
	}
	events := sink.byType(notify.TypeBidCancelled)
	if len(events) != 1 || events[0].UserID != "consigner-1" {
		t.Fatalf("bid_cancelled events: %+v", events)
	}
}

func TestCancelAuctionNotifiesBidders(t *testing.T) {
	svc, sink, _ := newTestService(t)
	a, err := svc.CreateAuction(context.Background(), validInput())
	if err != nil {
		t.Fatalf("CreateAuction: %v", err)
	}
	if _, err := svc.PlaceBid(context.Background(), a.ID, "driver-1", decimal.NewFromInt(80)); err != nil {
		t.Fatalf("bid: %v", err)
	}
	if _, err := svc.PlaceBid(context.Background(), a.ID, "driver-2", decimal.NewFromInt(90)); err != nil {
		t.Fatalf("bid: %v", err)
	}
	sink.reset()

	if err := svc.CancelAuction(context.Background(), a.ID, "consigner-1"); err != nil {
		t.Fatalf("CancelAuction: %v", err)
	}
	events := sink.byType(notify.TypeAuctionCancelled)
	if len(events) != 2 {
		t.Fatalf("auction_cancelled events: %+v", events)
	}
}

func TestCloseAuctionAuthorizationAndEvents(t *testing.T) {
	svc, sink, recorder := newTestService(t)
	a, err := svc.CreateAuction(context.Background(), validInput())
	if err != nil {
		t.Fatalf("CreateAuction: %v", err)
	}
	if _, err := svc.PlaceBid(context.Background(), a.ID, "driver-1", decimal.NewFromInt(100)); err != nil {
		t.Fatalf("bid: %v", err)
	}
	if _, err := svc.PlaceBid(context.Background(), a.ID, "driver-2", decimal.NewFromInt(80)); err != nil {
		t.Fatalf("bid: %v", err)
	}

	if _, err := svc.CloseAuction(context.Background(), a.ID, "driver-1", false); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-owner close: got %v", err)
	}

	sink.reset()
	r, err := svc.CloseAuction(context.Background(), a.ID, "system", true)
	if err != nil {
		t.Fatalf("CloseAuction: %v", err)
	}
	if r.AlreadyClosed || r.WinningBid == nil || r.WinningBid.UserID != "driver-2" {
		t.Fatalf("close receipt: %+v", r)
	}

	won := sink.byType(notify.TypeAuctionWon)
	lost := sink.byType(notify.TypeAuctionLost)
	done := sink.byType(notify.TypeAuctionClosed)
	if len(won) != 1 || won[0].UserID != "driver-2" {
		t.Fatalf("auction_won events: %+v", won)
	}
	if len(lost) != 1 || lost[0].UserID != "driver-1" {
		t.Fatalf("auction_lost events: %+v", lost)
	}
	if len(done) != 1 || done[0].UserID != "consigner-1" {
		t.Fatalf("auction_closed events: %+v", done)
	}

	// Losing the race emits nothing and leaves the audit trail alone.
	before := len(recorder.ByAuction(a.ID))
	sink.reset()
	again, err := svc.CloseAuction(context.Background(), a.ID, "consigner-1", false)
	if err != nil {
		t.Fatalf("repeat close: %v", err)
	}
	if !again.AlreadyClosed {
		t.Fatal("repeat close must report AlreadyClosed")
	}
	if again.WinningBid == nil || again.WinningBid.UserID != "driver-2" {
		t.Fatalf("repeat close must carry the recorded winning bid: %+v", again.WinningBid)
	}
	if len(sink.events) != 0 {
		t.Fatalf("repeat close emitted events: %+v", sink.events)
	}
	if after := len(recorder.ByAuction(a.ID)); after != before {
		t.Fatalf("repeat close appended audit records: %d -> %d", before, after)
	}
}

func TestEventsCarryCommitOrder(t *testing.T) {
	svc, sink, _ := newTestService(t)
	a, err := svc.CreateAuction(context.Background(), validInput())
	if err != nil {
		t.Fatalf("CreateAuction: %v", err)
	}
	sink.reset()

	if _, err := svc.PlaceBid(context.Background(), a.ID, "driver-1", decimal.NewFromInt(500)); err != nil {
		t.Fatalf("first bid: %v", err)
	}
	if _, err := svc.PlaceBid(context.Background(), a.ID, "driver-2", decimal.NewFromInt(450)); err != nil {
		t.Fatalf("second bid: %v", err)
	}

	placed := sink.byType(notify.TypeBidPlaced)
	if len(placed) != 2 {
		t.Fatalf("bid_placed events = %d", len(placed))
	}
	if placed[0].Revision == 0 || placed[1].Revision <= placed[0].Revision {
		t.Fatalf("revisions must follow commit order: %d then %d", placed[0].Revision, placed[1].Revision)
	}
	outbid := sink.byType(notify.TypeOutbid)
	if len(outbid) != 1 || outbid[0].Revision != placed[1].Revision {
		t.Fatalf("outbid must share its bid's revision: %+v", outbid)
	}
}

func TestCloseAuctionByOwner(t *testing.T) {
	svc, _, _ := newTestService(t)
	a, err := svc.CreateAuction(context.Background(), validInput())
	if err != nil {
		t.Fatalf("CreateAuction: %v", err)
	}
	r, err := svc.CloseAuction(context.Background(), a.ID, "consigner-1", false)
	if err != nil {
		t.Fatalf("owner close: %v", err)
	}
	if r.Auction.Status != StatusCompleted {
		t.Fatalf("status = %s", r.Auction.Status)
	}
}
