package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"haulbid.org/internal/auction"
	"haulbid.org/internal/auth"
)

type createAuctionRequest struct {
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	VehicleType     string    `json:"vehicle_type"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	ConsignmentDate time.Time `json:"consignment_date"`
}

type placeBidRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type auctionDetailsResponse struct {
	Auction auction.Auction `json:"auction"`
	Bids    []auction.Bid   `json:"bids"`
}

type closeAuctionResponse struct {
	Auction       auction.Auction  `json:"auction"`
	AlreadyClosed bool             `json:"already_closed"`
	WinnerID      string           `json:"winner_id,omitempty"`
	WinningAmount *decimal.Decimal `json:"winning_amount,omitempty"`
}

func (a *API) handleAuctionsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createAuction(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleAuctionResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/auctions/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	id, rest, _ := strings.Cut(path, "/")
	if id == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch rest {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getAuction(w, r, id)
	case "bids":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.placeBid(w, r, id)
	case "cancel":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.cancelAuction(w, r, id)
	case "close":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.closeAuction(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleBidResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/bids/")
	id, rest, _ := strings.Cut(path, "/")
	if id == "" || rest != "cancel" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	a.cancelBid(w, r, id)
}

func (a *API) createAuction(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req createAuctionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	created, err := a.svc.CreateAuction(r.Context(), auction.CreateAuctionInput{
		Title:           req.Title,
		Description:     req.Description,
		VehicleType:     req.VehicleType,
		StartTime:       req.StartTime,
		EndTime:         req.EndTime,
		ConsignmentDate: req.ConsignmentDate,
		CreatedBy:       userID,
	})
	if err != nil {
		handleAuctionError(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/auctions/"+created.ID)
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) getAuction(w http.ResponseWriter, r *http.Request, id string) {
	ac, bids, err := a.svc.GetAuctionDetails(r.Context(), id)
	if err != nil {
		handleAuctionError(w, r, err)
		return
	}
	if bids == nil {
		bids = []auction.Bid{}
	}
	writeJSON(w, http.StatusOK, auctionDetailsResponse{Auction: ac, Bids: bids})
}

func (a *API) placeBid(w http.ResponseWriter, r *http.Request, auctionID string) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req placeBidRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	bid, err := a.svc.PlaceBid(r.Context(), auctionID, userID, req.Amount)
	if err != nil {
		handleAuctionError(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/bids/"+bid.ID)
	writeJSON(w, http.StatusCreated, bid)
}

func (a *API) cancelBid(w http.ResponseWriter, r *http.Request, bidID string) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	if err := a.svc.CancelBid(r.Context(), bidID, userID); err != nil {
		handleAuctionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cancelled"})
}

func (a *API) cancelAuction(w http.ResponseWriter, r *http.Request, auctionID string) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	if err := a.svc.CancelAuction(r.Context(), auctionID, userID); err != nil {
		handleAuctionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cancelled"})
}

func (a *API) closeAuction(w http.ResponseWriter, r *http.Request, auctionID string) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	receipt, err := a.svc.CloseAuction(r.Context(), auctionID, userID, auth.IsSystem(r.Context()))
	if err != nil {
		handleAuctionError(w, r, err)
		return
	}

	resp := closeAuctionResponse{
		Auction:       receipt.Auction,
		AlreadyClosed: receipt.AlreadyClosed,
	}
	if receipt.WinningBid != nil {
		resp.WinnerID = receipt.WinningBid.UserID
		amount := receipt.WinningBid.Amount
		resp.WinningAmount = &amount
	}
	writeJSON(w, http.StatusOK, resp)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleAuctionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auction.ErrInvalidAmount),
		errors.Is(err, auction.ErrInvalidDuration),
		errors.Is(err, auction.ErrInvalidFields):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auction.ErrRoleForbidden),
		errors.Is(err, auction.ErrSelfBidForbidden),
		errors.Is(err, auction.ErrUnauthorized):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, auction.ErrAuctionNotFound),
		errors.Is(err, auction.ErrBidNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, auction.ErrAuctionNotActive),
		errors.Is(err, auction.ErrCannotCancelWinningBid),
		errors.Is(err, auction.ErrDuplicateBid):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, auction.ErrAuctionExpired):
		writeError(w, r, http.StatusGone, err.Error())
	case errors.Is(err, auction.ErrUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "temporarily unavailable, retry")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
