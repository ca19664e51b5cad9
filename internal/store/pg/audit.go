package pg

import (
	"context"
	"encoding/json"

	"haulbid.org/internal/audit"
	"haulbid.org/internal/ids"
)

var _ audit.Recorder = (*Store)(nil)

func (s *Store) Append(ctx context.Context, r audit.Record) error {
	if r.ID == "" {
		r.ID = ids.New()
	}
	var details []byte
	if len(r.Details) > 0 {
		var err error
		details, err = json.Marshal(r.Details)
		if err != nil {
			return err
		}
	}
	_, err := s.db.ExecContext(ctx, `
		insert into auction_audit_logs (id, auction_id, user_id, action, details, created_at)
		values ($1,$2,$3,$4,$5,$6)
	`, r.ID, r.AuctionID, r.UserID, r.Action, details, r.CreatedAt)
	return err
}
