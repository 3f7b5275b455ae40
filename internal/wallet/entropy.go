package wallet

import (
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingnet-vault/pkg/crypto"
)

const entropyContext = "klingnet-vault entropy guard v1"

// entropyGuard remembers fingerprints of every entropy value handed out by
// GenerateMnemonic. Only fingerprints are stored.
type entropyGuard struct {
	mu   sync.Mutex
	seen map[crypto.Digest]struct{}
}

var guard = &entropyGuard{seen: make(map[crypto.Digest]struct{})}

// claim records entropy, failing if the same bytes were seen before. A
// repeat means the random source is broken, so it is reported as such.
func (g *entropyGuard) claim(entropy []byte) error {
	fp := crypto.Fingerprint(entropyContext, entropy)

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.seen[fp]; ok {
		return fmt.Errorf("%w: random source returned repeated entropy", ErrEntropySource)
	}
	g.seen[fp] = struct{}{}
	return nil
}
