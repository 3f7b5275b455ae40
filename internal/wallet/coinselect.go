package wallet

import (
	"errors"
	"fmt"
	"sort"
)

// Coin selection errors.
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNoUTXOs           = errors.New("no UTXOs available")
)

// CoinSelection holds the result of coin selection.
type CoinSelection struct {
	Inputs []UTXO // Selected UTXOs to spend.
	Total  uint64 // Sum of selected input values.
	Change uint64 // Total - target.
}

// SelectCoins chooses UTXOs covering target. Two candidates are built, the
// smallest single UTXO that covers the target and a largest-first
// accumulation, and the one wasting less change wins (single on a tie).
func SelectCoins(utxos []UTXO, target uint64) (*CoinSelection, error) {
	if target == 0 {
		return nil, fmt.Errorf("target must be positive")
	}

	candidates := make([]UTXO, 0, len(utxos))
	var available uint64
	for _, u := range utxos {
		if u.Value > 0 {
			candidates = append(candidates, u)
			available += u.Value
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoUTXOs
	}
	if available < target {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, available, target)
	}

	// Ascending by value, outpoint as tie-break so selection is stable.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Value != candidates[j].Value {
			return candidates[i].Value < candidates[j].Value
		}
		return candidates[i].Outpoint() < candidates[j].Outpoint()
	})

	accum := largestFirst(candidates, target)
	if single := smallestCovering(candidates, target); single != nil && single.Change <= accum.Change {
		return single, nil
	}
	return accum, nil
}

func smallestCovering(sorted []UTXO, target uint64) *CoinSelection {
	for _, u := range sorted {
		if u.Value >= target {
			return &CoinSelection{Inputs: []UTXO{u}, Total: u.Value, Change: u.Value - target}
		}
	}
	return nil
}

// largestFirst assumes the sorted set covers target.
func largestFirst(sorted []UTXO, target uint64) *CoinSelection {
	sel := &CoinSelection{}
	for i := len(sorted) - 1; i >= 0 && sel.Total < target; i-- {
		sel.Inputs = append(sel.Inputs, sorted[i])
		sel.Total += sorted[i].Value
	}
	sel.Change = sel.Total - target
	return sel
}
