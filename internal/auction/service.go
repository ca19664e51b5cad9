package auction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"haulbid.org/internal/audit"
	"haulbid.org/internal/notify"
	"haulbid.org/internal/obs"
	"haulbid.org/internal/profile"
)

// EventSink receives domain events after the triggering transaction commits.
// Dispatch must not block.
type EventSink interface {
	Dispatch(ctx context.Context, evt notify.Event)
}

// Service is the application layer over the Ledger: role authorization, input
// validation, event emission and audit. All state invariants are enforced by
// the ledger transaction itself; nothing here reads-then-writes auction state
// outside of it.
type Service struct {
	ledger   Ledger
	profiles profile.Directory
	events   EventSink
	recorder audit.Recorder
	now      func() time.Time
}

// Option configures Service.
type Option func(*Service)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService wires the auction/bid application service.
func NewService(ledger Ledger, profiles profile.Directory, events EventSink, recorder audit.Recorder, opts ...Option) *Service {
	s := &Service{
		ledger:   ledger,
		profiles: profiles,
		events:   events,
		recorder: recorder,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateAuctionInput carries the caller-supplied auction fields.
type CreateAuctionInput struct {
	Title           string
	Description     string
	VehicleType     string
	StartTime       time.Time
	EndTime         time.Time
	ConsignmentDate time.Time
	CreatedBy       string
}

// CreateAuction validates and opens a new auction, then notifies drivers whose
// vehicle type matches (or who have none recorded).
func (s *Service) CreateAuction(ctx context.Context, in CreateAuctionInput) (Auction, error) {
	if err := s.requireRole(ctx, in.CreatedBy, profile.RoleConsigner); err != nil {
		return Auction{}, err
	}

	in.Title = strings.TrimSpace(in.Title)
	vt, ok := ParseVehicleType(in.VehicleType)
	if in.Title == "" || !ok || in.ConsignmentDate.IsZero() {
		return Auction{}, ErrInvalidFields
	}
	if in.StartTime.IsZero() || in.EndTime.IsZero() {
		return Auction{}, ErrInvalidFields
	}
	if d := in.EndTime.Sub(in.StartTime); d < MinDuration || d > MaxDuration {
		return Auction{}, ErrInvalidDuration
	}

	a, err := s.ledger.CreateAuction(ctx, Auction{
		Title:           in.Title,
		Description:     strings.TrimSpace(in.Description),
		VehicleType:     vt,
		StartTime:       in.StartTime.UTC(),
		EndTime:         in.EndTime.UTC(),
		ConsignmentDate: in.ConsignmentDate.UTC(),
		CreatedBy:       in.CreatedBy,
	})
	if err != nil {
		return Auction{}, err
	}

	obs.AuctionsCreatedTotal.Inc()
	s.record(ctx, a.ID, in.CreatedBy, "auction.created", map[string]any{
		"vehicle_type": string(vt),
		"end_time":     a.EndTime.Format(time.RFC3339),
	})

	drivers, err := s.profiles.DriversForVehicle(ctx, string(vt))
	if err != nil {
		obs.Logger().WithError(err).Warn("driver fan-out lookup failed")
	}
	for _, driverID := range drivers {
		s.emit(ctx, notify.Event{
			UserID:    driverID,
			Type:      notify.TypeAuctionCreated,
			AuctionID: a.ID,
			Revision:  a.Revision,
			Message:   fmt.Sprintf("New auction %q is open for %s bids", a.Title, vt),
			Data:      map[string]any{"end_time": a.EndTime.Format(time.RFC3339)},
		})
	}
	return a, nil
}

// PlaceBid validates and commits a driver's bid. The winner recompute happens
// inside the ledger transaction; Outbid is emitted only when the leading user
// actually changed.
func (s *Service) PlaceBid(ctx context.Context, auctionID, userID string, amount decimal.Decimal) (Bid, error) {
	if err := s.requireRole(ctx, userID, profile.RoleDriver); err != nil {
		return Bid{}, err
	}
	if !amount.IsPositive() {
		return Bid{}, ErrInvalidAmount
	}

	r, err := s.ledger.PlaceBid(ctx, auctionID, userID, amount, s.now())
	if err != nil {
		return Bid{}, err
	}

	obs.BidsPlacedTotal.Inc()
	s.record(ctx, auctionID, userID, "bid.placed", map[string]any{
		"bid_id": r.Bid.ID,
		"amount": r.Bid.Amount.String(),
	})

	s.emit(ctx, notify.Event{
		UserID:    r.Auction.CreatedBy,
		Type:      notify.TypeBidPlaced,
		AuctionID: auctionID,
		Revision:  r.Auction.Revision,
		Message:   fmt.Sprintf("New bid of %s on your auction %q", r.Bid.Amount.String(), r.Auction.Title),
		Data:      map[string]any{"bid_id": r.Bid.ID, "amount": r.Bid.Amount.String()},
	})
	if r.PreviousLeader != "" && r.PreviousLeader != r.Leader {
		obs.OutbidsTotal.Inc()
		s.emit(ctx, notify.Event{
			UserID:    r.PreviousLeader,
			Type:      notify.TypeOutbid,
			AuctionID: auctionID,
			Revision:  r.Auction.Revision,
			Message:   fmt.Sprintf("You have been outbid on auction %q", r.Auction.Title),
			Data:      map[string]any{"amount": r.Bid.Amount.String()},
		})
	}
	return r.Bid, nil
}

// CancelBid withdraws a non-winning bid on an active auction. The leading
// bidder cannot withdraw: allowing it would let them manipulate the close
// price.
func (s *Service) CancelBid(ctx context.Context, bidID, userID string) error {
	r, err := s.ledger.CancelBid(ctx, bidID, userID, s.now())
	if err != nil {
		return err
	}

	obs.BidsCancelledTotal.Inc()
	s.record(ctx, r.Auction.ID, userID, "bid.cancelled", map[string]any{
		"bid_id": bidID,
		"amount": r.Bid.Amount.String(),
	})

	s.emit(ctx, notify.Event{
		UserID:    r.Auction.CreatedBy,
		Type:      notify.TypeBidCancelled,
		AuctionID: r.Auction.ID,
		Revision:  r.Auction.Revision,
		Message:   fmt.Sprintf("A bid of %s on your auction %q was withdrawn", r.Bid.Amount.String(), r.Auction.Title),
		Data:      map[string]any{"bid_id": bidID},
	})
	return nil
}

// CancelAuction cancels an active auction on behalf of its creator and
// notifies every distinct bidder. A repeated call fails with
// ErrAuctionNotActive rather than silently succeeding, to surface client bugs.
func (s *Service) CancelAuction(ctx context.Context, auctionID, userID string) error {
	r, err := s.ledger.CancelAuction(ctx, auctionID, userID, s.now())
	if err != nil {
		return err
	}

	obs.AuctionsCancelledTotal.Inc()
	s.record(ctx, auctionID, userID, "auction.cancelled", nil)

	for _, bidder := range r.Bidders {
		s.emit(ctx, notify.Event{
			UserID:    bidder,
			Type:      notify.TypeAuctionCancelled,
			AuctionID: auctionID,
			Revision:  r.Auction.Revision,
			Message:   fmt.Sprintf("Auction %q was cancelled by the consigner", r.Auction.Title),
		})
	}
	return nil
}

// CloseAuction completes an auction whose window has elapsed (or is being
// closed administratively by its owner). The transition happens exactly once;
// a caller that lost the race gets the recorded outcome with AlreadyClosed set
// and no events are re-emitted.
func (s *Service) CloseAuction(ctx context.Context, auctionID, callerID string, system bool) (CloseReceipt, error) {
	if !system {
		a, err := s.ledger.GetAuction(ctx, auctionID)
		if err != nil {
			return CloseReceipt{}, err
		}
		if a.CreatedBy != callerID {
			return CloseReceipt{}, ErrUnauthorized
		}
	}

	r, err := s.ledger.CloseAuction(ctx, auctionID, s.now())
	if err != nil {
		return CloseReceipt{}, err
	}
	if r.AlreadyClosed {
		return r, nil
	}

	trigger := "manual"
	if system {
		trigger = "sweep"
	}
	obs.AuctionsClosedTotal.WithLabelValues(trigger).Inc()

	details := map[string]any{"trigger": trigger}
	if r.WinningBid != nil {
		details["winner_id"] = r.WinningBid.UserID
		details["winning_bid_id"] = r.WinningBid.ID
		details["winning_amount"] = r.WinningBid.Amount.String()
	}
	s.record(ctx, auctionID, callerID, "auction.closed", details)

	if r.WinningBid != nil {
		s.emit(ctx, notify.Event{
			UserID:    r.WinningBid.UserID,
			Type:      notify.TypeAuctionWon,
			AuctionID: auctionID,
			Revision:  r.Auction.Revision,
			Message:   fmt.Sprintf("You won auction %q with a bid of %s", r.Auction.Title, r.WinningBid.Amount.String()),
			Data:      map[string]any{"bid_id": r.WinningBid.ID, "amount": r.WinningBid.Amount.String()},
		})
		for _, loser := range r.Losers {
			s.emit(ctx, notify.Event{
				UserID:    loser,
				Type:      notify.TypeAuctionLost,
				AuctionID: auctionID,
				Revision:  r.Auction.Revision,
				Message:   fmt.Sprintf("Auction %q closed with a lower winning bid", r.Auction.Title),
			})
		}
	}
	s.emit(ctx, notify.Event{
		UserID:    r.Auction.CreatedBy,
		Type:      notify.TypeAuctionClosed,
		AuctionID: auctionID,
		Revision:  r.Auction.Revision,
		Message:   fmt.Sprintf("Your auction %q has closed", r.Auction.Title),
		Data:      details,
	})
	return r, nil
}

// GetAuctionDetails returns the auction and its current bid set.
func (s *Service) GetAuctionDetails(ctx context.Context, auctionID string) (Auction, []Bid, error) {
	a, err := s.ledger.GetAuction(ctx, auctionID)
	if err != nil {
		return Auction{}, nil, err
	}
	bids, err := s.ledger.ListBids(ctx, auctionID)
	if err != nil {
		return Auction{}, nil, err
	}
	return a, bids, nil
}

// ListExpired exposes the ledger's expired-auction scan for the sweeper.
func (s *Service) ListExpired(ctx context.Context, now time.Time, limit int) ([]Auction, error) {
	return s.ledger.ListExpired(ctx, now, limit)
}

func (s *Service) requireRole(ctx context.Context, userID string, want profile.Role) error {
	role, err := s.profiles.Role(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: no profile for user", ErrRoleForbidden)
	}
	if role != want {
		return fmt.Errorf("%w: requires %s", ErrRoleForbidden, want)
	}
	return nil
}

func (s *Service) emit(ctx context.Context, evt notify.Event) {
	if s.events == nil {
		return
	}
	s.events.Dispatch(ctx, evt)
}

func (s *Service) record(ctx context.Context, auctionID, userID, action string, details map[string]any) {
	if s.recorder != nil {
		if err := s.recorder.Append(ctx, audit.Record{
			AuctionID: auctionID,
			UserID:    userID,
			Action:    action,
			Details:   details,
			CreatedAt: s.now().UTC(),
		}); err != nil {
			obs.Logger().WithError(err).WithField("action", action).Error("append audit record")
		}
	}
	_ = audit.LogEvent(ctx, action, map[string]any{"auction_id": auctionID})
}
