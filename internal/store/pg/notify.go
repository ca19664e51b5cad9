package pg

import (
	"context"
	"encoding/json"

	"haulbid.org/internal/notify"
)

var _ notify.Store = (*Store)(nil)

func (s *Store) Save(ctx context.Context, n notify.Notification) error {
	var data []byte
	if len(n.Data) > 0 {
		var err error
		data, err = json.Marshal(n.Data)
		if err != nil {
			return err
		}
	}
	_, err := s.db.ExecContext(ctx, `
		insert into auction_notifications (id, user_id, auction_id, type, message, data, is_read, created_at)
		values ($1,$2,$3,$4,$5,$6,false,$7)
	`, n.ID, n.UserID, n.AuctionID, n.Type, n.Message, data, n.CreatedAt)
	return err
}

func (s *Store) ListByUser(ctx context.Context, userID string, limit int) ([]notify.Notification, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, user_id, auction_id, type, message, coalesce(data,'null'), is_read, created_at
		from auction_notifications
		where user_id=$1
		order by created_at desc, id desc
		limit $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []notify.Notification
	for rows.Next() {
		var n notify.Notification
		var data []byte
		if err := rows.Scan(&n.ID, &n.UserID, &n.AuctionID, &n.Type, &n.Message, &data, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, err
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &n.Data); err != nil {
				return nil, err
			}
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

func (s *Store) MarkRead(ctx context.Context, id, userID string) error {
	res, err := s.db.ExecContext(ctx, `
		update auction_notifications set is_read=true where id=$1 and user_id=$2
	`, id, userID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return notify.ErrNotFound
	}
	return nil
}
