package search

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"gorm.io/gorm"
)

// OpenIndex selects an Index implementation from dsn. An empty dsn or the sqlite scheme uses the
// application database.
func OpenIndex(dsn string, db *gorm.DB, clock func() time.Time) (Index, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return gormIndexFor(db, clock)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme)); scheme {
	case "sqlite":
		return gormIndexFor(db, clock)
	case "memory", "mem", "inmem":
		return NewMemoryIndex(), nil
	case "postgres", "postgresql":
		return NewPostgresIndex(dsn)
	default:
		return nil, fmt.Errorf("search: unsupported index scheme: %s", scheme)
	}
}

func gormIndexFor(db *gorm.DB, clock func() time.Time) (Index, error) {
	if db == nil {
		return nil, fmt.Errorf("search: database handle is required for the sqlite index")
	}
	return NewGormIndex(db, clock), nil
}
