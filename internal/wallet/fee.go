package wallet

// DustLimit is the smallest change output worth creating, in sats.
const DustLimit = 546

// Weight units per component, assuming 72-byte DER signatures and
// compressed keys.
const (
	txOverheadWeight   = 10 * 4 // version, in/out counts, locktime
	segwitMarkerWeight = 2      // marker and flag bytes
	p2pkhInputWeight   = 148 * 4
	p2wpkhInputWeight  = 41*4 + 108 // outpoint, sequence, empty script + witness
	p2trInputWeight    = 41*4 + 66  // key path witness: one 64-byte Schnorr sig
)

// inputWeight returns the signed weight of one input spending the flavor's
// output type.
func inputWeight(f Flavor) int {
	switch f {
	case FlavorLegacyP2PKH:
		return p2pkhInputWeight
	case FlavorSegwitBech32:
		return p2wpkhInputWeight
	case FlavorTaproot:
		return p2trInputWeight
	default:
		return 0
	}
}

// EstimateVSize estimates the virtual size of a signed transaction spending
// n inputs of flavor f to outputs with the given scripts.
func EstimateVSize(f Flavor, inputs int, outputScripts [][]byte) int {
	weight := txOverheadWeight + inputs*inputWeight(f)
	if f != FlavorLegacyP2PKH {
		weight += segwitMarkerWeight
	}
	for _, s := range outputScripts {
		weight += (8 + 1 + len(s)) * 4
	}
	return (weight + 3) / 4
}

// EstimateFee returns the fee for vsize at feeRate sat/vB.
func EstimateFee(vsize int, feeRate uint64) uint64 {
	return uint64(vsize) * feeRate
}
