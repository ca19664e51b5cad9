package profile

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Role is the marketplace role of a user. It is immutable after creation.
// Consigners create auctions; drivers bid on them.
type Role string

const (
	RoleConsigner Role = "consigner"
	RoleDriver    Role = "driver"
)

// Profile is the slice of the authentication collaborator's profile record the
// engine reads: role for authorization, vehicle type for fan-out targeting.
// Contact fields stay with the collaborator.
type Profile struct {
	ID          string    `json:"id"`
	Role        Role      `json:"role"`
	VehicleType string    `json:"vehicle_type,omitempty"` // drivers only, optional
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

var ErrNotFound = errors.New("profile not found")

// Directory answers role and vehicle-type lookups. Consulted synchronously by
// the bid/auction services before any transaction.
type Directory interface {
	Role(ctx context.Context, userID string) (Role, error)
	VehicleType(ctx context.Context, userID string) (string, error)

	// DriversForVehicle returns drivers whose recorded vehicle type matches, plus
	// drivers with no recorded vehicle type (legacy profiles predate the field).
	DriversForVehicle(ctx context.Context, vehicleType string) ([]string, error)
}

// InMemory implements Directory for tests and dev mode.
type InMemory struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

func NewInMemory() *InMemory {
	return &InMemory{profiles: make(map[string]Profile)}
}

var _ Directory = (*InMemory)(nil)

// Upsert stores a profile. The role of an existing profile cannot change.
func (d *InMemory) Upsert(p Profile) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.profiles[p.ID]; ok && existing.Role != p.Role {
		return errors.New("profile role is immutable")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	d.profiles[p.ID] = p
	return nil
}

func (d *InMemory) Role(ctx context.Context, userID string) (Role, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.profiles[userID]
	if !ok {
		return "", ErrNotFound
	}
	return p.Role, nil
}

func (d *InMemory) VehicleType(ctx context.Context, userID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.profiles[userID]
	if !ok {
		return "", ErrNotFound
	}
	return p.VehicleType, nil
}

func (d *InMemory) DriversForVehicle(ctx context.Context, vehicleType string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var res []string
	for _, p := range d.profiles {
		if p.Role != RoleDriver {
			continue
		}
		if p.VehicleType == "" || p.VehicleType == vehicleType {
			res = append(res, p.ID)
		}
	}
	sort.Strings(res)
	return res, nil
}
