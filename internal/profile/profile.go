package profile

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Profile is configuration to start the main server.
type Profile struct {
	// Host is the address the server binds to. Empty binds all interfaces.
	Host string
	// Port is the TCP port the server listens on.
	Port int
	// Mode can be "prod" or "dev".
	Mode string
	// Driver names the database driver. Only "sqlite" is supported.
	Driver string
	// DSN is the path to the persisted state file.
	DSN string
	// Version is the current server version.
	Version string
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// Validate normalizes the profile and checks it can actually be used to
// start a server.
func (p *Profile) Validate() error {
	if p.Mode != "prod" && p.Mode != "dev" {
		p.Mode = "dev"
	}
	if p.Port <= 0 || p.Port > 65535 {
		return errors.Errorf("invalid port %d", p.Port)
	}
	if p.Driver == "" {
		p.Driver = "sqlite"
	}
	if p.DSN == "" {
		return errors.New("dbfile required")
	}

	// Relative dbfile paths resolve against the working directory so the
	// file lands where the operator started the server.
	if !filepath.IsAbs(p.DSN) {
		cwd, err := os.Getwd()
		if err != nil {
			return errors.Wrap(err, "failed to resolve working directory")
		}
		p.DSN = filepath.Join(cwd, p.DSN)
	}
	return nil
}
