package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-vault/internal/backoff"
)

// ErrPassphraseRequired is returned by the unlock step when the stored
// collection is encrypted and no passphrase was given.
var ErrPassphraseRequired = errors.New("storage is encrypted: passphrase required")

// Init step names, in run order.
const (
	StepPrices       = "prices"
	StepStorageCheck = "storage-check"
	StepUnlock       = "unlock"
	StepElectrum     = "electrum"
	StepSync         = "sync"
)

// StepStatus is the outcome of one init step.
type StepStatus int

// Step outcomes.
const (
	StepOK StepStatus = iota
	StepFailed
	StepSkipped
)

func (s StepStatus) String() string {
	switch s {
	case StepOK:
		return "ok"
	case StepFailed:
		return "failed"
	case StepSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// StepResult records one init step.
type StepResult struct {
	Name     string
	Critical bool
	Status   StepStatus
	Err      error
	Duration time.Duration
}

// Report is the outcome of the init pipeline. A failed critical step halts
// the pipeline and the steps after it are reported as skipped.
type Report struct {
	Steps     []StepResult
	Encrypted bool // stored collection needs a passphrase
	Unlocked  bool
	Online    bool // electrum and sync steps have run
}

// Step returns the result of the named step.
func (r *Report) Step(name string) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepResult{}, false
}

// Halted reports whether a critical step failed.
func (r *Report) Halted() bool {
	return r.Err() != nil
}

// Err returns the error of the first failed critical step.
func (r *Report) Err() error {
	for _, s := range r.Steps {
		if s.Critical && s.Status == StepFailed {
			return fmt.Errorf("init step %s: %w", s.Name, s.Err)
		}
	}
	return nil
}

func (r *Report) clone() *Report {
	c := *r
	c.Steps = append([]StepResult(nil), r.Steps...)
	return &c
}

type step struct {
	name     string
	critical bool
	run      func(ctx context.Context) error
}

// Start runs the init pipeline: fetch fiat rates, inspect storage, unlock
// the collection with passphrase, connect to Electrum and start syncing.
// Price and Electrum failures are logged and the pipeline continues; when
// the collection cannot be unlocked it stops there and the returned error
// is non-nil. A later successful UnlockStorage resumes the remaining steps.
func (e *Engine) Start(ctx context.Context, passphrase []byte) (*Report, error) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil, ErrStopped
	}
	if e.started {
		e.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.report = &Report{}
	e.mu.Unlock()

	steps := []step{
		{name: StepPrices, run: e.startPrices},
		{name: StepStorageCheck, critical: true, run: e.checkStorage},
		{name: StepUnlock, critical: true, run: func(context.Context) error { return e.unlock(passphrase) }},
	}
	steps = append(steps, e.onlineSteps()...)

	report := e.runSteps(steps)
	return report, report.Err()
}

// onlineSteps are the steps that need an unlocked collection.
func (e *Engine) onlineSteps() []step {
	return []step{
		{name: StepElectrum, run: e.connectElectrum},
		{name: StepSync, run: e.startSync},
	}
}

// runSteps runs steps in order and appends their results to the report.
// e.mu guards only the report; the steps themselves run unlocked so the
// API stays responsive during slow price fetches and Electrum dials.
func (e *Engine) runSteps(steps []step) *Report {
	e.mu.Lock()
	if e.stopped {
		defer e.mu.Unlock()
		return e.report.clone()
	}
	e.pipeline.Add(1)
	defer e.pipeline.Done()
	ctx := e.ctx
	halted := e.report.Halted()
	e.mu.Unlock()

	for _, st := range steps {
		res := StepResult{Name: st.name, Critical: st.critical}
		if halted {
			res.Status = StepSkipped
			e.appendStep(res)
			continue
		}

		begin := time.Now()
		err := st.run(ctx)
		res.Duration = time.Since(begin)

		e.mu.Lock()
		// UnlockStorage may have opened the collection while this step ran.
		if st.name == StepUnlock && err != nil && e.store.IsUnlocked() {
			err = nil
			e.report.Unlocked = true
		}
		switch {
		case errors.Is(err, errStepSkipped):
			res.Status = StepSkipped
		case err != nil:
			res.Status = StepFailed
			res.Err = err
		}
		e.report.Steps = append(e.report.Steps, res)
		e.mu.Unlock()

		ev := e.logger.Info()
		if err != nil && res.Status == StepFailed {
			ev = e.logger.Warn().Err(err)
			if st.critical {
				ev = e.logger.Error().Err(err)
				halted = true
			}
		}
		ev.Str("step", st.name).
			Str("status", res.Status.String()).
			Dur("took", res.Duration).
			Msg("Init step finished")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.report.clone()
}

func (e *Engine) appendStep(res StepResult) {
	e.mu.Lock()
	e.report.Steps = append(e.report.Steps, res)
	e.mu.Unlock()
}

// errStepSkipped marks a step that had nothing to do.
var errStepSkipped = errors.New("step skipped")

func (e *Engine) startPrices(ctx context.Context) error {
	if e.prices == nil {
		return errStepSkipped
	}
	return e.prices.Start(ctx, 0)
}

func (e *Engine) checkStorage(context.Context) error {
	encrypted, err := e.store.IsEncrypted()
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.report.Encrypted = encrypted
	e.mu.Unlock()
	return nil
}

func (e *Engine) unlock(passphrase []byte) error {
	e.mu.Lock()
	encrypted := e.report.Encrypted
	e.mu.Unlock()

	if !e.store.IsUnlocked() {
		if encrypted && len(passphrase) == 0 {
			return ErrPassphraseRequired
		}
		if _, err := e.store.Unlock(passphrase); err != nil {
			return err
		}
	}
	e.mu.Lock()
	e.report.Unlocked = true
	e.mu.Unlock()
	return nil
}

func (e *Engine) connectElectrum(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, e.dialBudget())
	defer cancel()
	err := e.chain.Connect(cctx, e.endpoints)
	if err == nil {
		return nil
	}
	policy := backoff.Policy{Base: e.cfg.Sync.BackoffBase, Max: e.cfg.Sync.BackoffMax}
	e.wg.Add(1)
	go e.reconnectLoop(policy)
	return err
}

func (e *Engine) startSync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.sync.Start(ctx, e.chain.Notifications())
	e.mu.Lock()
	e.online = true
	e.report.Online = true
	e.mu.Unlock()
	return nil
}

// Report returns the init pipeline report so far.
func (e *Engine) Report() (*Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.report == nil {
		return nil, ErrNotStarted
	}
	return e.report.clone(), nil
}

// resume runs the online steps after the pipeline halted at unlock and the
// collection was unlocked through UnlockStorage. While the pipeline is still
// running its own unlock step picks up the opened collection.
func (e *Engine) resume() {
	e.mu.Lock()
	if !e.started || e.stopped || e.online || !e.report.Halted() {
		e.mu.Unlock()
		return
	}
	e.online = true
	// Clear the failed unlock so the remaining steps run.
	steps := e.report.Steps[:0]
	for _, s := range e.report.Steps {
		if s.Status == StepSkipped && (s.Name == StepElectrum || s.Name == StepSync) {
			continue
		}
		if s.Name == StepUnlock && s.Status == StepFailed {
			s.Status = StepOK
			s.Err = nil
		}
		steps = append(steps, s)
	}
	e.report.Steps = steps
	e.report.Unlocked = true
	e.mu.Unlock()

	e.runSteps(e.onlineSteps())
}
