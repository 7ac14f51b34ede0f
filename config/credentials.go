package config

import (
	"fmt"
	"net/url"
	"os"
	"runtime"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/resultkit/errors"
)

// ErrInsecurePermissions is returned when a credentials file can be read by
// anyone but its owner.
var ErrInsecurePermissions = fmt.Errorf("credentials file has insecure permissions")

// Credentials holds the broker login kept out of the main config file.
//
//	[broker]
//	username = "results"
//	password = "..."
type Credentials struct {
	Broker BrokerCredentials `toml:"broker"`
}

// BrokerCredentials is a broker user.
type BrokerCredentials struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// LoadCredentials reads a credentials file, which must have mode 0400 or
// 0600 on Unix.
func LoadCredentials(path string) (*Credentials, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "read credentials")
	}
	if runtime.GOOS != "windows" {
		if mode := info.Mode().Perm(); mode&0o077 != 0 {
			return nil, fmt.Errorf("%w: %s has mode %04o (must be 0400 or 0600)",
				ErrInsecurePermissions, path, mode)
		}
	}

	var creds Credentials
	if _, err := toml.DecodeFile(path, &creds); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "read credentials "+path)
	}
	return &creds, nil
}

// Apply returns rawURL with the broker user filled in. A URL that already
// names a user is returned unchanged, as is any URL when no username is
// configured.
func (c *Credentials) Apply(rawURL string) (string, error) {
	if c == nil || c.Broker.Username == "" {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", errors.InvalidInput(fmt.Sprintf("broker url: %v", err))
	}
	if u.User != nil {
		return rawURL, nil
	}
	if c.Broker.Password != "" {
		u.User = url.UserPassword(c.Broker.Username, c.Broker.Password)
	} else {
		u.User = url.User(c.Broker.Username)
	}
	return u.String(), nil
}
