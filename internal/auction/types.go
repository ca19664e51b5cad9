package auction

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an auction. Completed and Cancelled are
// terminal: no transition ever leaves them.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// VehicleType is the closed set of vehicle classes a consignment can request.
type VehicleType string

const (
	ThreeWheeler VehicleType = "three_wheeler"
	PickupTruck  VehicleType = "pickup_truck"
	MiniTruck    VehicleType = "mini_truck"
	MediumTruck  VehicleType = "medium_truck"
	LargeTruck   VehicleType = "large_truck"
)

// VehicleTypes lists every valid vehicle class.
var VehicleTypes = []VehicleType{ThreeWheeler, PickupTruck, MiniTruck, MediumTruck, LargeTruck}

// ParseVehicleType validates a wire value against the closed set.
func ParseVehicleType(s string) (VehicleType, bool) {
	for _, vt := range VehicleTypes {
		if string(vt) == s {
			return vt, true
		}
	}
	return "", false
}

// Auction window bounds. A window shorter than MinDuration gives drivers no
// realistic chance to react; longer than MaxDuration stalls the consignment.
const (
	MinDuration = 5 * time.Minute
	MaxDuration = 7 * 24 * time.Hour
)

// Auction is a time-boxed reverse auction for one delivery job. The lowest
// standing bid when the window elapses wins.
type Auction struct {
	ID              string      `json:"id"`
	Title           string      `json:"title"`
	Description     string      `json:"description,omitempty"`
	VehicleType     VehicleType `json:"vehicle_type"`
	StartTime       time.Time   `json:"start_time"`
	EndTime         time.Time   `json:"end_time"`
	ConsignmentDate time.Time   `json:"consignment_date"`
	Status          Status      `json:"status"`
	CreatedBy       string      `json:"created_by"`
	WinnerID        string      `json:"winner_id,omitempty"`
	WinningBidID    string      `json:"winning_bid_id,omitempty"`
	// Revision increments inside every mutating transaction on this auction.
	// Events stamped with it can be replayed in per-auction commit order.
	Revision  int64     `json:"revision"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Expired reports whether the auction window has elapsed at the given instant.
func (a Auction) Expired(now time.Time) bool {
	return !a.EndTime.After(now)
}

// Bid is one driver's offer on an auction. IsWinningBid is derived state,
// recomputed inside every mutating transaction; it is never set by callers.
type Bid struct {
	ID           string          `json:"id"`
	AuctionID    string          `json:"auction_id"`
	UserID       string          `json:"user_id"`
	Amount       decimal.Decimal `json:"amount"`
	IsWinningBid bool            `json:"is_winning_bid"`
	CreatedAt    time.Time       `json:"created_at"`
}
