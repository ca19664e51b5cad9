package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"haulbid.org/internal/auction"
	"haulbid.org/internal/ids"
	"haulbid.org/internal/obs"
)

// Store is the durable Ledger plus the persistence behind the profile
// directory, notification store and audit recorder, all over one pool.
type Store struct {
	db *sql.DB
}

var _ auction.Ledger = (*Store)(nil)

// Open connects to PostgreSQL.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle (tests use sqlmock here).
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// --- transaction plumbing ---

const (
	maxAttempts = 3
	baseBackoff = 25 * time.Millisecond
)

// retryable reports whether the error is a transient conflict worth retrying:
// serialization failure, deadlock, or lock timeout.
func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03":
		return true
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// inTx runs fn inside one transaction, retrying transient conflicts with
// backoff. A conflict is never surfaced to the caller before the budget is
// spent; after that it comes back wrapped in auction.ErrUnavailable.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			obs.StoreRetriesTotal.Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(baseBackoff << (attempt - 1)):
			}
		}
		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %v", auction.ErrUnavailable, lastErr)
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// lockAuction reads the auction row FOR UPDATE. Locking the auction before
// touching its bids serializes every mutation per auction, which is what makes
// concurrent bids and closes linearizable.
func lockAuction(ctx context.Context, tx *sql.Tx, id string) (auction.Auction, error) {
	row := tx.QueryRowContext(ctx, `
		select id, title, description, vehicle_type, start_time, end_time, consignment_date,
		       status, created_by, coalesce(winner_id,''), coalesce(winning_bid_id,''), revision, created_at, updated_at
		from auctions where id=$1 for update
	`, id)
	return scanAuction(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuction(row rowScanner) (auction.Auction, error) {
	var a auction.Auction
	err := row.Scan(
		&a.ID, &a.Title, &a.Description, &a.VehicleType, &a.StartTime, &a.EndTime,
		&a.ConsignmentDate, &a.Status, &a.CreatedBy, &a.WinnerID, &a.WinningBidID,
		&a.Revision, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return auction.Auction{}, auction.ErrAuctionNotFound
	}
	if err != nil {
		return auction.Auction{}, err
	}
	return a, nil
}

func listBidsTx(ctx context.Context, tx *sql.Tx, auctionID string) ([]auction.Bid, error) {
	rows, err := tx.QueryContext(ctx, `
		select id, auction_id, user_id, amount, is_winning_bid, created_at
		from auction_bids where auction_id=$1 order by created_at, id
	`, auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bids []auction.Bid
	for rows.Next() {
		var b auction.Bid
		if err := rows.Scan(&b.ID, &b.AuctionID, &b.UserID, &b.Amount, &b.IsWinningBid, &b.CreatedAt); err != nil {
			return nil, err
		}
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

// rewriteWinnerFlags re-runs the resolver and persists is_winning_bid so that
// exactly the resolved bid (if any) carries the flag. Returns the winner.
func rewriteWinnerFlags(ctx context.Context, tx *sql.Tx, auctionID string, bids []auction.Bid) (auction.Bid, bool, error) {
	winner, ok := auction.Resolve(bids)
	if !ok {
		_, err := tx.ExecContext(ctx,
			`update auction_bids set is_winning_bid=false where auction_id=$1`, auctionID)
		return auction.Bid{}, false, err
	}
	_, err := tx.ExecContext(ctx,
		`update auction_bids set is_winning_bid=(id=$2) where auction_id=$1`, auctionID, winner.ID)
	if err != nil {
		return auction.Bid{}, false, err
	}
	winner.IsWinningBid = true
	return winner, true, nil
}

func touchAuction(ctx context.Context, tx *sql.Tx, auctionID string, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`update auctions set updated_at=$2, revision=revision+1 where id=$1`, auctionID, now.UTC())
	return err
}

func distinctBidders(bids []auction.Bid, except string) []string {
	seen := make(map[string]struct{})
	var res []string
	for _, b := range bids {
		if b.UserID == except {
			continue
		}
		if _, ok := seen[b.UserID]; ok {
			continue
		}
		seen[b.UserID] = struct{}{}
		res = append(res, b.UserID)
	}
	return res
}

// --- Ledger ---

func (s *Store) CreateAuction(ctx context.Context, a auction.Auction) (auction.Auction, error) {
	if a.ID == "" {
		a.ID = ids.New()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = a.CreatedAt
	a.Status = auction.StatusActive
	a.Revision = 1

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			insert into auctions (id, title, description, vehicle_type, start_time, end_time,
			                      consignment_date, status, created_by, created_at, updated_at)
			values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`, a.ID, a.Title, a.Description, a.VehicleType, a.StartTime, a.EndTime,
			a.ConsignmentDate, a.Status, a.CreatedBy, a.CreatedAt, a.UpdatedAt)
		return err
	})
	if err != nil {
		return auction.Auction{}, err
	}
	return a, nil
}

func (s *Store) GetAuction(ctx context.Context, id string) (auction.Auction, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, title, description, vehicle_type, start_time, end_time, consignment_date,
		       status, created_by, coalesce(winner_id,''), coalesce(winning_bid_id,''), revision, created_at, updated_at
		from auctions where id=$1
	`, id)
	return scanAuction(row)
}

func (s *Store) ListBids(ctx context.Context, auctionID string) ([]auction.Bid, error) {
	if _, err := s.GetAuction(ctx, auctionID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, auction_id, user_id, amount, is_winning_bid, created_at
		from auction_bids where auction_id=$1 order by created_at, id
	`, auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bids []auction.Bid
	for rows.Next() {
		var b auction.Bid
		if err := rows.Scan(&b.ID, &b.AuctionID, &b.UserID, &b.Amount, &b.IsWinningBid, &b.CreatedAt); err != nil {
			return nil, err
		}
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

func (s *Store) ListExpired(ctx context.Context, now time.Time, limit int) ([]auction.Auction, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, title, description, vehicle_type, start_time, end_time, consignment_date,
		       status, created_by, coalesce(winner_id,''), coalesce(winning_bid_id,''), revision, created_at, updated_at
		from auctions
		where status='active' and end_time <= $1
		order by end_time, id
		limit $2
	`, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []auction.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (s *Store) PlaceBid(ctx context.Context, auctionID, userID string, amount decimal.Decimal, now time.Time) (auction.BidReceipt, error) {
	if !amount.IsPositive() {
		return auction.BidReceipt{}, auction.ErrInvalidAmount
	}

	var receipt auction.BidReceipt
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		a, err := lockAuction(ctx, tx, auctionID)
		if err != nil {
			return err
		}
		if a.Status != auction.StatusActive {
			return auction.ErrAuctionNotActive
		}
		if a.Expired(now) {
			return auction.ErrAuctionExpired
		}
		if a.CreatedBy == userID {
			return auction.ErrSelfBidForbidden
		}

		var previous string
		err = tx.QueryRowContext(ctx, `
			select user_id from auction_bids where auction_id=$1 and is_winning_bid limit 1
		`, auctionID).Scan(&previous)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		bid := auction.Bid{
			ID:        ids.NewAt(now),
			AuctionID: auctionID,
			UserID:    userID,
			Amount:    amount,
			CreatedAt: now.UTC(),
		}
		_, err = tx.ExecContext(ctx, `
			insert into auction_bids (id, auction_id, user_id, amount, created_at)
			values ($1,$2,$3,$4,$5)
		`, bid.ID, bid.AuctionID, bid.UserID, bid.Amount, bid.CreatedAt)
		if isUniqueViolation(err) {
			return auction.ErrDuplicateBid
		}
		if err != nil {
			return err
		}

		bids, err := listBidsTx(ctx, tx, auctionID)
		if err != nil {
			return err
		}
		winner, _, err := rewriteWinnerFlags(ctx, tx, auctionID, bids)
		if err != nil {
			return err
		}
		if err := touchAuction(ctx, tx, auctionID, now); err != nil {
			return err
		}

		// Unique (auction_id, user_id, amount) makes this an exact match.
		bid.IsWinningBid = winner.UserID == bid.UserID && winner.Amount.Equal(bid.Amount)
		a.UpdatedAt = now.UTC()
		a.Revision++
		receipt = auction.BidReceipt{
			Bid:            bid,
			Auction:        a,
			PreviousLeader: previous,
			Leader:         winner.UserID,
		}
		return nil
	})
	if err != nil {
		return auction.BidReceipt{}, err
	}
	return receipt, nil
}

func (s *Store) CancelBid(ctx context.Context, bidID, userID string, now time.Time) (auction.CancelBidReceipt, error) {
	var receipt auction.CancelBidReceipt
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		// Find the owning auction first so locks are always taken in
		// auction-then-bids order, same as every other mutation.
		var auctionID string
		err := tx.QueryRowContext(ctx,
			`select auction_id from auction_bids where id=$1`, bidID).Scan(&auctionID)
		if errors.Is(err, sql.ErrNoRows) {
			return auction.ErrBidNotFound
		}
		if err != nil {
			return err
		}

		a, err := lockAuction(ctx, tx, auctionID)
		if err != nil {
			return err
		}

		var b auction.Bid
		err = tx.QueryRowContext(ctx, `
			select id, auction_id, user_id, amount, is_winning_bid, created_at
			from auction_bids where id=$1
		`, bidID).Scan(&b.ID, &b.AuctionID, &b.UserID, &b.Amount, &b.IsWinningBid, &b.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return auction.ErrBidNotFound
		}
		if err != nil {
			return err
		}
		if b.UserID != userID {
			return auction.ErrUnauthorized
		}
		if a.Status != auction.StatusActive {
			return auction.ErrAuctionNotActive
		}
		if b.IsWinningBid {
			return auction.ErrCannotCancelWinningBid
		}

		if _, err := tx.ExecContext(ctx,
			`delete from auction_bids where id=$1`, bidID); err != nil {
			return err
		}
		bids, err := listBidsTx(ctx, tx, auctionID)
		if err != nil {
			return err
		}
		winner, _, err := rewriteWinnerFlags(ctx, tx, auctionID, bids)
		if err != nil {
			return err
		}
		if err := touchAuction(ctx, tx, auctionID, now); err != nil {
			return err
		}

		a.UpdatedAt = now.UTC()
		a.Revision++
		receipt = auction.CancelBidReceipt{Bid: b, Auction: a, Leader: winner.UserID}
		return nil
	})
	if err != nil {
		return auction.CancelBidReceipt{}, err
	}
	return receipt, nil
}

func (s *Store) CancelAuction(ctx context.Context, auctionID, ownerID string, now time.Time) (auction.CancelAuctionReceipt, error) {
	var receipt auction.CancelAuctionReceipt
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		a, err := lockAuction(ctx, tx, auctionID)
		if err != nil {
			return err
		}
		if a.CreatedBy != ownerID {
			return auction.ErrUnauthorized
		}
		if a.Status != auction.StatusActive {
			return auction.ErrAuctionNotActive
		}

		if _, err := tx.ExecContext(ctx, `
			update auctions set status='cancelled', updated_at=$2, revision=revision+1 where id=$1
		`, auctionID, now.UTC()); err != nil {
			return err
		}

		bids, err := listBidsTx(ctx, tx, auctionID)
		if err != nil {
			return err
		}
		a.Status = auction.StatusCancelled
		a.UpdatedAt = now.UTC()
		a.Revision++
		receipt = auction.CancelAuctionReceipt{Auction: a, Bidders: distinctBidders(bids, "")}
		return nil
	})
	if err != nil {
		return auction.CancelAuctionReceipt{}, err
	}
	return receipt, nil
}

func (s *Store) CloseAuction(ctx context.Context, auctionID string, now time.Time) (auction.CloseReceipt, error) {
	var receipt auction.CloseReceipt
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		a, err := lockAuction(ctx, tx, auctionID)
		if err != nil {
			return err
		}
		if a.Status != auction.StatusActive {
			// Lost the race with a concurrent closer; report the recorded
			// outcome without mutating anything.
			receipt = auction.CloseReceipt{Auction: a, AlreadyClosed: true}
			if a.WinningBidID != "" {
				var b auction.Bid
				err := tx.QueryRowContext(ctx, `
					select id, auction_id, user_id, amount, is_winning_bid, created_at
					from auction_bids where id=$1
				`, a.WinningBidID).Scan(&b.ID, &b.AuctionID, &b.UserID, &b.Amount, &b.IsWinningBid, &b.CreatedAt)
				if err == nil {
					receipt.WinningBid = &b
				} else if !errors.Is(err, sql.ErrNoRows) {
					return err
				}
			}
			return nil
		}

		bids, err := listBidsTx(ctx, tx, auctionID)
		if err != nil {
			return err
		}
		winner, hasWinner, err := rewriteWinnerFlags(ctx, tx, auctionID, bids)
		if err != nil {
			return err
		}

		var winnerID, winningBidID any
		if hasWinner {
			winnerID, winningBidID = winner.UserID, winner.ID
		}
		if _, err := tx.ExecContext(ctx, `
			update auctions set status='completed', winner_id=$2, winning_bid_id=$3, updated_at=$4,
			                    revision=revision+1
			where id=$1
		`, auctionID, winnerID, winningBidID, now.UTC()); err != nil {
			return err
		}

		a.Status = auction.StatusCompleted
		a.UpdatedAt = now.UTC()
		a.Revision++
		receipt = auction.CloseReceipt{Auction: a}
		if hasWinner {
			a.WinnerID = winner.UserID
			a.WinningBidID = winner.ID
			receipt.Auction = a
			w := winner
			receipt.WinningBid = &w
			receipt.Losers = distinctBidders(bids, winner.UserID)
		}
		return nil
	})
	if err != nil {
		return auction.CloseReceipt{}, err
	}
	return receipt, nil
}
