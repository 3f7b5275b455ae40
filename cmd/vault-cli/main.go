// vault-cli manages the Klingnet Vault wallet collection from the command
// line. It runs the engine in-process, so it must not run while vaultd uses
// the same data directory with the badger backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
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
	app.Name = "vault-cli"
	app.Usage = "Command line interface for the Klingnet Vault wallet engine"
	app.Flags = config.Flags()
	app.Commands = []*cli.Command{
		&listCmd,
		&createCmd,
		&importCmd,
		&deleteCmd,
		&renameCmd,
		&revealCmd,
		&receiveCmd,
		&balanceCmd,
		&syncCmd,
		&sendCmd,
		&statusCmd,
		&passwdCmd,
	}

	if err := app.Run(os.Args); err != nil {
		fatal("%v", err)
	}
}

// openEngine loads the config and unlocks the collection. With online set
// the whole init pipeline runs, connecting to Electrum and starting sync;
// otherwise only storage is touched.
func openEngine(c *cli.Context, online bool) (*engine.Engine, error) {
	cfg, err := config.Load(c)
	if err != nil {
		return nil, err
	}
	if c.IsSet(config.FlagLogLevel) {
		if err := log.Init(cfg.Log.Level, cfg.Log.JSON, ""); err != nil {
			return nil, err
		}
	} else {
		log.Disable()
	}

	e, err := engine.New(cfg, engine.Options{SkipLogInit: true})
	if err != nil {
		return nil, err
	}
	encrypted, err := e.IsStorageEncrypted()
	if err != nil {
		e.Stop()
		return nil, err
	}
	var pass []byte
	if encrypted {
		if pass, err = readPassphrase("Passphrase: "); err != nil {
			e.Stop()
			return nil, err
		}
		defer wipe(pass)
	}

	if !online {
		if _, err := e.UnlockStorage(pass); err != nil {
			e.Stop()
			return nil, err
		}
		return e, nil
	}

	report, err := e.Start(context.Background(), pass)
	if err != nil {
		e.Stop()
		return nil, err
	}
	if s, ok := report.Step(engine.StepElectrum); ok && s.Status == engine.StepFailed {
		e.Stop()
		return nil, fmt.Errorf("electrum: %w", s.Err)
	}
	return e, nil
}

// readPassphrase reads from KNVAULT_PASSPHRASE or prompts without echo.
func readPassphrase(prompt string) ([]byte, error) {
	if v, ok := os.LookupEnv(passphraseEnv); ok {
		return []byte(v), nil
	}
	return readHidden(prompt)
}

func readHidden(prompt string) ([]byte, error) {
	if !term.IsTerminal(int(syscall.Stdin)) {
		return nil, errors.New("not a terminal: set " + passphraseEnv)
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr) // newline after hidden input
	if err != nil {
		return nil, err
	}
	return b, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ── Error helper ────────────────────────────────────────────────────────

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
