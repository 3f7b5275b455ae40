package wallet

import (
	"errors"
	"fmt"
	"testing"
)

func makeUTXOs(values ...uint64) []UTXO {
	utxos := make([]UTXO, len(values))
	for i, v := range values {
		utxos[i] = UTXO{TxID: fmt.Sprintf("%064x", i+1), Value: v, Height: 100}
	}
	return utxos
}

func TestSelectCoins(t *testing.T) {
	tests := []struct {
		name       string
		values     []uint64
		target     uint64
		wantTotal  uint64
		wantChange uint64
		wantInputs int
	}{
		{"exact single match", []uint64{1000, 2000, 3000}, 2000, 2000, 0, 1},
		{"single with change", []uint64{5000}, 3000, 5000, 2000, 1},
		{"combine when no single covers", []uint64{1000, 2000, 1500}, 4000, 4500, 500, 3},
		{"exact single beats accumulation", []uint64{1000, 2000, 3000, 5000}, 3000, 3000, 0, 1},
		{"largest first", []uint64{1000, 3000, 5000, 2000}, 7000, 8000, 1000, 2},
		{"needs everything", []uint64{1000, 2000, 3000}, 6000, 6000, 0, 3},
		{"zero values ignored", []uint64{0, 4000, 0}, 1000, 4000, 3000, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, err := SelectCoins(makeUTXOs(tt.values...), tt.target)
			if err != nil {
				t.Fatalf("SelectCoins: %v", err)
			}
			if sel.Total != tt.wantTotal {
				t.Errorf("total = %d, want %d", sel.Total, tt.wantTotal)
			}
			if sel.Change != tt.wantChange {
				t.Errorf("change = %d, want %d", sel.Change, tt.wantChange)
			}
			if len(sel.Inputs) != tt.wantInputs {
				t.Errorf("inputs = %d, want %d", len(sel.Inputs), tt.wantInputs)
			}
			if sel.Total != sel.Change+tt.target {
				t.Error("Total should equal Change + target")
			}
		})
	}
}

func TestSelectCoins_Errors(t *testing.T) {
	if _, err := SelectCoins(makeUTXOs(1000, 2000), 5000); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got: %v", err)
	}
	if _, err := SelectCoins(nil, 1000); !errors.Is(err, ErrNoUTXOs) {
		t.Errorf("expected ErrNoUTXOs, got: %v", err)
	}
	if _, err := SelectCoins(makeUTXOs(0, 0, 0), 1000); !errors.Is(err, ErrNoUTXOs) {
		t.Errorf("expected ErrNoUTXOs for all-zero UTXOs, got: %v", err)
	}
	if _, err := SelectCoins(makeUTXOs(1000), 0); err == nil {
		t.Error("zero target should fail")
	}
}
