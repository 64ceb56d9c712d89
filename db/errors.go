package db

import (
	"database/sql"
	"strings"

	"github.com/teranos/studioos/errors"
)

// ErrDatabaseClosed marks work attempted after Close, usually by a worker or
// platform poller still draining during shutdown.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed reports whether err means the connection is gone.
// database/sql does not wrap its own "sql: database is closed" error, so the
// message is matched as well.
func IsDatabaseClosed(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrDatabaseClosed), errors.Is(err, sql.ErrConnDone):
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}
