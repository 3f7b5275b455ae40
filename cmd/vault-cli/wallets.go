package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/Klingon-tech/klingnet-vault/internal/price"
	"github.com/Klingon-tech/klingnet-vault/internal/wallet"
)

// ── list ────────────────────────────────────────────────────────────────

var listCmd = cli.Command{
	Name:   "list",
	Usage:  "list wallets with their cached balances",
	Action: listAction,
}

func listAction(c *cli.Context) error {
	e, err := openEngine(c, false)
	if err != nil {
		return err
	}
	defer e.Stop()

	wallets, err := e.ListWallets()
	if err != nil {
		return err
	}
	if len(wallets) == 0 {
		fmt.Println("No wallets. Create one with: vault-cli create")
		return nil
	}
	fmt.Printf("%-32s  %-20s  %-19s  %-10s  %16s  %s\n", "ID", "LABEL", "FLAVOR", "CREATED", "BALANCE (BTC)", "HEIGHT")
	for _, w := range wallets {
		fmt.Printf("%-32s  %-20s  %-19s  %-10s  %16s  %d\n",
			w.ID, w.Label, w.Flavor, w.Created.Local().Format("2006-01-02"),
			price.FormatBTC(int64(w.Balance.Total())), w.SyncedHeight)
	}
	return nil
}

// ── create ──────────────────────────────────────────────────────────────

var createCmd = cli.Command{
	Name:  "create",
	Usage: "generate a new HD wallet",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "flavor", Usage: "segwit, legacy or taproot", Value: "segwit"},
		&cli.StringFlag{Name: "label", Usage: "wallet label (default: next free \"Wallet #n\")"},
	},
	Action: createAction,
}

func createAction(c *cli.Context) error {
	flavor, err := wallet.ParseFlavor(c.String("flavor"))
	if err != nil {
		return err
	}
	e, err := openEngine(c, false)
	if err != nil {
		return err
	}
	defer e.Stop()

	id, err := e.CreateWallet(flavor, c.String("label"))
	if err != nil {
		return err
	}
	mnemonic, err := e.RevealSecret(id)
	if err != nil {
		return err
	}
	info, err := e.WalletInfo(id)
	if err != nil {
		return err
	}

	fmt.Printf("Created %s wallet %q\n", info.Flavor, info.Label)
	fmt.Printf("ID: %s\n\n", id)
	fmt.Println("Mnemonic (write this down!):")
	fmt.Printf("  %s\n", mnemonic)
	return nil
}

// ── import ──────────────────────────────────────────────────────────────

var importCmd = cli.Command{
	Name:      "import",
	Usage:     "import a wallet from a mnemonic or an lndhub:// URI read from the terminal",
	ArgsUsage: " ",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "flavor", Usage: "segwit, legacy, taproot or lightning", Value: "segwit"},
		&cli.StringFlag{Name: "label", Usage: "wallet label (default: next free \"Wallet #n\")"},
		&cli.BoolFlag{Name: "stdin", Usage: "read the secret from the first line of stdin"},
	},
	Action: importAction,
}

func importAction(c *cli.Context) error {
	flavor, err := wallet.ParseFlavor(c.String("flavor"))
	if err != nil {
		return err
	}

	var secret []byte
	if c.Bool("stdin") {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read secret: %w", err)
		}
		secret = []byte(strings.TrimSpace(line))
	} else if secret, err = readHidden("Mnemonic or lndhub URI: "); err != nil {
		return err
	}
	defer wipe(secret)

	e, err := openEngine(c, false)
	if err != nil {
		return err
	}
	defer e.Stop()

	id, err := e.ImportWallet(flavor, string(secret), c.String("label"))
	if err != nil {
		return err
	}
	info, err := e.WalletInfo(id)
	if err != nil {
		return err
	}
	fmt.Printf("Imported %s wallet %q\n", info.Flavor, info.Label)
	fmt.Printf("ID: %s\n", id)
	return nil
}

// ── delete ──────────────────────────────────────────────────────────────

var deleteCmd = cli.Command{
	Name:      "delete",
	Usage:     "delete a wallet and its seed",
	ArgsUsage: "<wallet-id>",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "yes", Usage: "do not ask for confirmation"},
	},
	Action: deleteAction,
}

func deleteAction(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return fmt.Errorf("usage: vault-cli delete <wallet-id>")
	}
	e, err := openEngine(c, false)
	if err != nil {
		return err
	}
	defer e.Stop()

	info, err := e.WalletInfo(id)
	if err != nil {
		return err
	}
	if !c.Bool("yes") {
		fmt.Printf("Delete wallet %q (%s)? Its seed is erased. Type the label to confirm: ", info.Label, info.Flavor)
		line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		if strings.TrimSpace(line) != info.Label {
			return fmt.Errorf("not confirmed")
		}
	}
	if _, err := e.DeleteWallet(id); err != nil {
		return err
	}
	fmt.Printf("Deleted wallet %q\n", info.Label)
	return nil
}

// ── rename ──────────────────────────────────────────────────────────────

var renameCmd = cli.Command{
	Name:      "rename",
	Usage:     "change a wallet label",
	ArgsUsage: "<wallet-id> <label>",
	Action:    renameAction,
}

func renameAction(c *cli.Context) error {
	if c.NArg() != 2 {
		return fmt.Errorf("usage: vault-cli rename <wallet-id> <label>")
	}
	e, err := openEngine(c, false)
	if err != nil {
		return err
	}
	defer e.Stop()

	if err := e.RenameWallet(c.Args().Get(0), c.Args().Get(1)); err != nil {
		return err
	}
	fmt.Println("Renamed")
	return nil
}

// ── reveal ──────────────────────────────────────────────────────────────

var revealCmd = cli.Command{
	Name:      "reveal",
	Usage:     "print a wallet's mnemonic or lndhub URI",
	ArgsUsage: "<wallet-id>",
	Action:    revealAction,
}

func revealAction(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return fmt.Errorf("usage: vault-cli reveal <wallet-id>")
	}
	e, err := openEngine(c, false)
	if err != nil {
		return err
	}
	defer e.Stop()

	secret, err := e.RevealSecret(id)
	if err != nil {
		return err
	}
	fmt.Println(secret)
	return nil
}

// ── receive ─────────────────────────────────────────────────────────────

var receiveCmd = cli.Command{
	Name:      "receive",
	Usage:     "show the next unused receive address",
	ArgsUsage: "<wallet-id>",
	Action:    receiveAction,
}

func receiveAction(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return fmt.Errorf("usage: vault-cli receive <wallet-id>")
	}
	e, err := openEngine(c, false)
	if err != nil {
		return err
	}
	defer e.Stop()

	addr, err := e.ReceiveAddress(id)
	if err != nil {
		return err
	}
	fmt.Println(addr)
	return nil
}

// ── passwd ──────────────────────────────────────────────────────────────

var passwdCmd = cli.Command{
	Name:   "passwd",
	Usage:  "set, change or remove the storage passphrase",
	Action: passwdAction,
}

func passwdAction(c *cli.Context) error {
	e, err := openEngine(c, false)
	if err != nil {
		return err
	}
	defer e.Stop()

	var current []byte
	if e.Status().Encrypted {
		if current, err = readHidden("Current passphrase: "); err != nil {
			return err
		}
		defer wipe(current)
	}
	next, err := readHidden("New passphrase (empty to store unencrypted): ")
	if err != nil {
		return err
	}
	defer wipe(next)
	confirm, err := readHidden("Confirm new passphrase: ")
	if err != nil {
		return err
	}
	defer wipe(confirm)
	if string(next) != string(confirm) {
		return fmt.Errorf("passphrases do not match")
	}

	if err := e.ChangePassphrase(current, next); err != nil {
		return err
	}
	if len(next) == 0 {
		fmt.Println("Passphrase removed: wallets are stored unencrypted")
	} else {
		fmt.Println("Passphrase changed")
	}
	return nil
}
