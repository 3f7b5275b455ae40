package wallet

// Balance splits a wallet's UTXO total by confirmation state.
type Balance struct {
	Confirmed   uint64
	Unconfirmed uint64
}

// Total returns confirmed plus unconfirmed sats.
func (b Balance) Total() uint64 {
	return b.Confirmed + b.Unconfirmed
}

// sumUTXOs computes the balance of a UTXO set.
func sumUTXOs(utxos []UTXO) Balance {
	var b Balance
	for _, u := range utxos {
		if u.Height > 0 {
			b.Confirmed += u.Value
		} else {
			b.Unconfirmed += u.Value
		}
	}
	return b
}
