package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"
)

// Exercises the full reverse-auction flow against a running API: issue tokens,
// open an auction, place two bids, verify the lower one leads, close, verify
// the winner. Requires seeded demo profiles.
func main() {
	base := os.Getenv("HAULBID_API_ADDR")
	if base == "" {
		base = "http://localhost:8080"
	}
	client := &http.Client{Timeout: 5 * time.Second}

	consigner := token(client, base, "consigner-demo", nil)
	driverA := token(client, base, "driver-large", nil)
	driverB := token(client, base, "driver-any", nil)
	system := token(client, base, "ops", []string{"system"})

	now := time.Now().UTC()
	var created struct {
		ID string `json:"id"`
	}
	post(client, base+"/v1/auctions", consigner, map[string]any{
		"title":            "Smoke haul",
		"description":      "smoke test load",
		"vehicle_type":     "large_truck",
		"start_time":       now,
		"end_time":         now.Add(10 * time.Minute),
		"consignment_date": now.Add(48 * time.Hour),
	}, http.StatusCreated, &created)

	post(client, base+"/v1/auctions/"+created.ID+"/bids", driverA,
		map[string]any{"amount": "500.00"}, http.StatusCreated, nil)

	var lower struct {
		ID           string `json:"id"`
		IsWinningBid bool   `json:"is_winning_bid"`
	}
	post(client, base+"/v1/auctions/"+created.ID+"/bids", driverB,
		map[string]any{"amount": "450.00"}, http.StatusCreated, &lower)
	if !lower.IsWinningBid {
		log.Fatalf("lower bid %s is not leading", lower.ID)
	}

	var closed struct {
		AlreadyClosed bool   `json:"already_closed"`
		WinnerID      string `json:"winner_id"`
	}
	post(client, base+"/v1/auctions/"+created.ID+"/close", system,
		nil, http.StatusOK, &closed)
	if closed.AlreadyClosed {
		log.Fatal("first close reported already_closed")
	}
	if closed.WinnerID != "driver-any" {
		log.Fatalf("unexpected winner: %q", closed.WinnerID)
	}

	// Second close must be an idempotent no-op with the same outcome.
	post(client, base+"/v1/auctions/"+created.ID+"/close", system,
		nil, http.StatusOK, &closed)
	if !closed.AlreadyClosed || closed.WinnerID != "driver-any" {
		log.Fatalf("repeat close diverged: already_closed=%v winner=%q", closed.AlreadyClosed, closed.WinnerID)
	}

	fmt.Printf("✅ auction smoke test passed: auction=%s winner=%s\n", created.ID, closed.WinnerID)
}

func token(client *http.Client, base, user string, roles []string) string {
	var resp struct {
		Token string `json:"token"`
	}
	post(client, base+"/v1/auth/token", "", map[string]any{
		"user":  user,
		"roles": roles,
	}, http.StatusOK, &resp)
	return resp.Token
}

func post(client *http.Client, url, bearer string, body any, wantStatus int, out any) {
	var buf bytes.Buffer
	if body == nil {
		body = map[string]any{}
	}
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		log.Fatalf("encode request for %s: %v", url, err)
	}
	req, err := http.NewRequest(http.MethodPost, url, &buf)
	if err != nil {
		log.Fatalf("build request for %s: %v", url, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		log.Fatalf("POST %s: status %d, want %d", url, resp.StatusCode, wantStatus)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatalf("decode response from %s: %v", url, err)
		}
	}
}
