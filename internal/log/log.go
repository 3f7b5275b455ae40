// Package log provides structured, colored logging for the vault engine.
//
// Logs go to stderr so that vault-cli can print command results on stdout.
// Secrets (mnemonics, lndhub URIs, passphrases) are never passed to a logger.
package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

// Component loggers for different parts of the engine.
var (
	Wallet   zerolog.Logger
	Storage  zerolog.Logger
	Electrum zerolog.Logger
	Sync     zerolog.Logger
	Price    zerolog.Logger
	Engine   zerolog.Logger
)

func init() {
	Logger = newLogger(console(os.Stderr), "info")
	initComponentLoggers()
}

// Init configures the global logger. When file is non-empty, logs are also
// appended to it as JSON, creating its directory if needed; the file is only
// readable by the owner since it records wallet ids and addresses.
func Init(level string, jsonOutput bool, file string) error {
	var out io.Writer = os.Stderr
	if !jsonOutput {
		out = console(os.Stderr)
	}

	if file != "" {
		if err := os.MkdirAll(filepath.Dir(file), 0700); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		out = zerolog.MultiLevelWriter(out, f)
	}

	Logger = newLogger(out, level)
	initComponentLoggers()
	return nil
}

// Disable silences all logging. Used by the CLI unless --log-level is set.
func Disable() {
	Logger = zerolog.Nop()
	initComponentLoggers()
}

func console(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
}

func newLogger(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Logger()
}

// parseLevel converts a string level to zerolog.Level.
func parseLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func initComponentLoggers() {
	Wallet = Logger.With().Str("component", "wallet").Logger()
	Storage = Logger.With().Str("component", "storage").Logger()
	Electrum = Logger.With().Str("component", "electrum").Logger()
	Sync = Logger.With().Str("component", "sync").Logger()
	Price = Logger.With().Str("component", "price").Logger()
	Engine = Logger.With().Str("component", "engine").Logger()
}

// WithWallet returns a component logger tagged with a wallet id.
func WithWallet(base zerolog.Logger, walletID string) zerolog.Logger {
	return base.With().Str("wallet", walletID).Logger()
}
