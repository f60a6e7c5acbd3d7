package db

import (
	"strings"

	"github.com/teranos/nebular/errors"
)

// ErrDatabaseClosed marks store calls made after the database was closed,
// typically by a scheduled pull or audit write racing shutdown
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed reports whether err comes from a closed database.
// database/sql returns an unexported error for this, so the driver message is
// matched as well as the marker.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}
