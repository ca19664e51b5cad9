package auction

// Resolve returns the current winning bid of a reverse auction: the bid with
// the minimum amount, ties broken by earliest creation time, then by lowest id
// for total determinism. The result is independent of input order. Returns
// false when the bid set is empty.
//
// Resolve is pure so it can be re-run inside every mutating transaction and
// again at close time without any shared state.
func Resolve(bids []Bid) (Bid, bool) {
	if len(bids) == 0 {
		return Bid{}, false
	}
	best := bids[0]
	for _, b := range bids[1:] {
		if outbids(b, best) {
			best = b
		}
	}
	return best, true
}

// outbids reports whether a beats b under the reverse-auction ordering.
func outbids(a, b Bid) bool {
	switch a.Amount.Cmp(b.Amount) {
	case -1:
		return true
	case 1:
		return false
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
