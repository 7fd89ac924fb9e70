package transport

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
)

// PrimaryAddr is the resolved host/port of a primary's replication
// endpoint, parsed out of a postgres:// connection string.
type PrimaryAddr struct {
	Host string
	Port int
}

// ParsePrimaryDSN turns a postgres://host:port/... connection string
// into a PrimaryAddr. It uses lib/pq's own URL parser
// (github.com/lib/pq) rather than hand-rolling one, even though the
// actual replication data path in this package is raw non-blocking
// TCP (RawClient) rather than lib/pq's blocking database/sql driver:
// lib/pq's DSN grammar (multiple host/port forms, libpq keyword
// escaping) is exactly what a "postgres://" primary URL needs, and
// reimplementing it would just be a worse copy of what the dependency
// already does correctly.
func ParsePrimaryDSN(dsn string) (PrimaryAddr, error) {
	opts, err := pq.ParseURL(dsn)
	if err != nil {
		return PrimaryAddr{}, fmt.Errorf("transport: parse primary dsn: %w", err)
	}

	// pq.ParseURL returns libpq's "key=value key2=value2" keyword
	// form, not a URL query string.
	values := make(map[string]string)
	for _, field := range strings.Fields(opts) {
		kv := strings.SplitN(field, "=", 2)
		if len(kv) == 2 {
			values[kv[0]] = strings.Trim(kv[1], "'")
		}
	}

	host := values["host"]
	if host == "" {
		host = "localhost"
	}
	port := 5432
	if p := values["port"]; p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return PrimaryAddr{}, fmt.Errorf("transport: invalid port %q: %w", p, err)
		}
	}
	return PrimaryAddr{Host: host, Port: port}, nil
}
