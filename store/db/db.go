package db

import (
	"github.com/pkg/errors"

	"github.com/bigshoulders/stq/internal/profile"
	"github.com/bigshoulders/stq/store"
	"github.com/bigshoulders/stq/store/db/sqlite"
)

// NewDBDriver creates the database driver named by the profile.
func NewDBDriver(profile *profile.Profile) (store.Driver, error) {
	switch profile.Driver {
	case "sqlite":
		return sqlite.NewDB(profile)
	default:
		return nil, errors.Errorf("unsupported database driver: %s", profile.Driver)
	}
}
