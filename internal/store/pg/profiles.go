package pg

import (
	"context"
	"database/sql"
	"errors"

	"haulbid.org/internal/profile"
)

var _ profile.Directory = (*Store)(nil)

func (s *Store) Role(ctx context.Context, userID string) (profile.Role, error) {
	var role string
	err := s.db.QueryRowContext(ctx,
		`select role from profiles where id=$1`, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", profile.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return profile.Role(role), nil
}

func (s *Store) VehicleType(ctx context.Context, userID string) (string, error) {
	var vt string
	err := s.db.QueryRowContext(ctx,
		`select coalesce(vehicle_type,'') from profiles where id=$1`, userID).Scan(&vt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", profile.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return vt, nil
}

// DriversForVehicle returns drivers registered for the vehicle type, plus
// drivers with no vehicle type on record.
func (s *Store) DriversForVehicle(ctx context.Context, vehicleType string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id from profiles
		where role='driver' and (vehicle_type is null or vehicle_type='' or vehicle_type=$1)
		order by id
	`, vehicleType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

// UpsertProfile registers a profile. The role is immutable after creation;
// the vehicle type and display name may change.
func (s *Store) UpsertProfile(ctx context.Context, p profile.Profile) error {
	_, err := s.db.ExecContext(ctx, `
		insert into profiles (id, role, vehicle_type, display_name, created_at)
		values ($1,$2,nullif($3,''),$4,now())
		on conflict (id) do update
		set vehicle_type=excluded.vehicle_type, display_name=excluded.display_name
	`, p.ID, p.Role, p.VehicleType, p.DisplayName)
	return err
}
