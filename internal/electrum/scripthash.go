package electrum

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
)

// ScripthashFromScript returns the Electrum index key for an output script:
// the SHA256 of the script, hex encoded in reversed byte order. chainhash
// prints hashes reversed, which is exactly that encoding.
func ScripthashFromScript(pkScript []byte) string {
	return chainhash.HashH(pkScript).String()
}

// ScripthashFromAddress decodes addr for params and returns its scripthash.
func ScripthashFromAddress(addr string, params *chaincfg.Params) (string, error) {
	a, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return "", err
	}
	script, err := txscript.PayToAddrScript(a)
	if err != nil {
		return "", err
	}
	return ScripthashFromScript(script), nil
}
