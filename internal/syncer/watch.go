package syncer

import (
	"context"

	"github.com/Klingon-tech/klingnet-vault/internal/electrum"
	"github.com/Klingon-tech/klingnet-vault/internal/wallet"
)

// Subscriber is implemented by chains that push scripthash status changes.
type Subscriber interface {
	SubscribeScripthash(ctx context.Context, scripthash string) (string, error)
}

type watched struct {
	walletID string
	address  string
}

// watchReceive subscribes the wallet's next unused receive address so a
// payment to it schedules a pass without waiting for the next interval.
func (s *Syncer) watchReceive(ctx context.Context, w *wallet.Wallet) {
	sub, ok := s.chain.(Subscriber)
	if !ok {
		return
	}
	rec, err := w.NextUnused(wallet.ChangeExternal)
	if err != nil {
		return
	}
	sh := electrum.ScripthashFromScript(rec.PkScript)

	s.mu.Lock()
	_, done := s.watch[sh]
	s.mu.Unlock()
	if done {
		return
	}
	if _, err := sub.SubscribeScripthash(ctx, sh); err != nil {
		s.logger.Debug().Err(err).Str("wallet", w.ID()).Msg("Address subscription failed")
		return
	}
	s.mu.Lock()
	s.watch[sh] = watched{walletID: w.ID(), address: rec.Address}
	s.mu.Unlock()
}

// Notify reacts to a server push: a new tip schedules a pass over every
// wallet, a status change also flags the address so it is re-queried even
// when the tip has not moved.
func (s *Syncer) Notify(n electrum.Notification) {
	switch n.Kind {
	case electrum.NotifyTip:
		s.logger.Debug().Int64("height", n.Tip.Height).Msg("New tip")
	case electrum.NotifyScripthash:
		s.mu.Lock()
		wa, ok := s.watch[n.Scripthash]
		s.mu.Unlock()
		if !ok {
			return
		}
		s.MarkDirty(wa.walletID, wa.address)
		s.logger.Debug().Str("wallet", wa.walletID).Str("address", wa.address).Msg("Address activity")
	default:
		return
	}
	s.Trigger()
}

func (s *Syncer) follow(notes <-chan electrum.Notification) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case n, ok := <-notes:
			if !ok {
				return
			}
			s.Notify(n)
		}
	}
}
