package engine

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/Klingon-tech/klingnet-vault/config"
	"github.com/Klingon-tech/klingnet-vault/internal/vault"
)

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// kdfParams returns the key derivation settings for new passphrases.
func kdfParams(name string) vault.KDFParams {
	switch name {
	case config.KDFScrypt:
		return vault.ScryptKDFParams()
	default:
		return vault.DefaultKDFParams()
	}
}
