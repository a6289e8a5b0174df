package sshconn

import (
	"errors"
	"os"

	"golang.org/x/crypto/ssh"

	"github.com/randomizedcoder/runctl/internal/runerr"
)

// IdentityMode tells how the master may authenticate with a key file.
type IdentityMode int

const (
	// IdentityNone means no identity file was configured.
	IdentityNone IdentityMode = iota
	// IdentityPlain keys need no passphrase; ssh runs in batch mode.
	IdentityPlain
	// IdentityEncrypted keys need the askpass helper.
	IdentityEncrypted
)

// CheckIdentity inspects the configured identity file before a master is
// launched. An encrypted key with no askpass helper can never authenticate
// non-interactively and is reported as ConnectFailed.
func CheckIdentity(p Parameters) (IdentityMode, error) {
	if p.IdentityFile == "" {
		return IdentityNone, nil
	}

	pemBytes, err := os.ReadFile(p.IdentityFile)
	if err != nil {
		return IdentityNone, runerr.ConnectFailed(err, "read identity file %s", p.IdentityFile)
	}

	_, err = ssh.ParseRawPrivateKey(pemBytes)
	if err == nil {
		return IdentityPlain, nil
	}

	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		if p.AskPass == "" {
			return IdentityEncrypted, runerr.ConnectFailed(nil,
				"identity file %s is passphrase protected and no askpass helper is configured", p.IdentityFile)
		}
		return IdentityEncrypted, nil
	}
	return IdentityNone, runerr.ConnectFailed(err, "parse identity file %s", p.IdentityFile)
}
