// Klingnet Vault daemon: unlocks the wallet collection and keeps it synced
// against Electrum with fiat rates refreshed in the background.
//
// Usage:
//
//	vaultd [--network=testnet --electrum=ssl://host:port ...]  Run engine
//	vaultd --help                                              Show help
//
// The passphrase is read from KNVAULT_PASSPHRASE when set, otherwise it is
// prompted for on the terminal when the stored collection is encrypted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/Klingon-tech/klingnet-vault/config"
	"github.com/Klingon-tech/klingnet-vault/internal/engine"
	"github.com/Klingon-tech/klingnet-vault/internal/log"
)

const passphraseEnv = "KNVAULT_PASSPHRASE"

func main() {
	app := cli.NewApp()
	app.Name = "vaultd"
	app.Usage = "Klingnet Vault wallet engine daemon"
	app.Flags = config.Flags()
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c)
	if err != nil {
		return err
	}

	e, err := engine.New(cfg, engine.Options{})
	if err != nil {
		return err
	}
	defer e.Stop()

	encrypted, err := e.IsStorageEncrypted()
	if err != nil {
		return err
	}
	pass, err := passphrase(encrypted)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	report, err := e.Start(ctx, pass)
	for i := range pass {
		pass[i] = 0
	}
	if err != nil {
		return err
	}
	for _, s := range report.Steps {
		if s.Status == engine.StepFailed {
			log.Engine.Warn().Err(s.Err).Str("step", s.Name).Msg("Running degraded")
		}
	}

	st := e.Status()
	log.Engine.Info().
		Int("wallets", st.Wallets).
		Bool("encrypted", st.Encrypted).
		Str("electrum", st.Electrum.String()).
		Msg("Vault engine running")

	<-ctx.Done()
	log.Engine.Info().Msg("Shutting down")
	return nil
}

// passphrase returns the passphrase from the environment, or prompts for it
// when the collection is encrypted and stdin is a terminal.
func passphrase(encrypted bool) ([]byte, error) {
	if v, ok := os.LookupEnv(passphraseEnv); ok {
		return []byte(v), nil
	}
	if !encrypted {
		return nil, nil
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		return nil, fmt.Errorf("storage is encrypted: set %s or run on a terminal", passphraseEnv)
	}
	fmt.Fprint(os.Stderr, "Passphrase: ")
	pass, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr) // newline after hidden input
	if err != nil {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}
	return pass, nil
}
