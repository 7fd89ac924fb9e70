package main

import (
	"flag"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/linux/projects/server/walproxy/internal/asyncio"
	"github.com/linux/projects/server/walproxy/internal/proxy"
	"github.com/linux/projects/server/walproxy/internal/transport"
)

var (
	safekeepers = flag.String("s", "", "Comma-separated safekeeper host:port list, e.g. sk1:5454,sk2:5454,sk3:5454 (max 64)")
	quorum      = flag.Int("q", 0, "Quorum size (default: floor(N/2)+1)")
	primaryDSN  = flag.String("primary", "", "postgres:// DSN of the primary's replication endpoint")
	timeline    = flag.Uint("timeline", 1, "Timeline ID to stream")
	walSegSize  = flag.Uint("wal-seg-size", 16*1024*1024, "WAL segment size in bytes, advertised in the handshake")
	pgVersion   = flag.Uint("pg-version", 150000, "Upstream server version, advertised in the handshake")
)

func main() {
	flag.Parse()

	addrs, err := parseSafekeepers(*safekeepers)
	if err != nil {
		log.Fatalf("walproxy: %v", err)
	}

	q := *quorum
	if q == 0 {
		q = proxy.DefaultQuorum(len(addrs))
	}

	cfg := proxy.Config{
		Safekeepers: addrs,
		Quorum:      q,
		WalSegSize:  uint32(*walSegSize),
		Timeline:    uint32(*timeline),
		PgVersion:   uint32(*pgVersion),
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("walproxy: %v", err)
	}

	if *primaryDSN == "" {
		log.Fatalf("walproxy: -primary is required")
	}
	primaryAddr, err := transport.ParsePrimaryDSN(*primaryDSN)
	if err != nil {
		log.Fatalf("walproxy: %v", err)
	}

	p, err := proxy.New(cfg, asyncio.Dial, func() (transport.PrimaryStream, error) {
		return transport.DialRawClient(primaryAddr.Host, primaryAddr.Port)
	})
	if err != nil {
		log.Fatalf("walproxy: %v", err)
	}

	log.Printf("walproxy: broadcasting to %d safekeepers (quorum %d), primary %s:%d, timeline %d",
		len(addrs), q, primaryAddr.Host, primaryAddr.Port, cfg.Timeline)

	if err := p.Start(); err != nil {
		log.Fatalf("walproxy: start: %v", err)
	}
	if err := p.Run(); err != nil {
		log.Fatalf("walproxy: %v", err)
	}
}

func parseSafekeepers(raw string) ([]proxy.SafekeeperAddr, error) {
	if raw == "" {
		return nil, fmt.Errorf("-s is required (comma-separated host:port list)")
	}
	parts := strings.Split(raw, ",")
	if len(parts) > 64 {
		return nil, fmt.Errorf("at most 64 safekeepers are supported, got %d", len(parts))
	}
	addrs := make([]proxy.SafekeeperAddr, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		host, portStr, err := splitHostPort(part)
		if err != nil {
			return nil, fmt.Errorf("invalid safekeeper address %q: %w", part, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid port in safekeeper address %q: %w", part, err)
		}
		addrs = append(addrs, proxy.SafekeeperAddr{Host: host, Port: port})
	}
	return addrs, nil
}

func splitHostPort(hostport string) (string, string, error) {
	i := strings.LastIndex(hostport, ":")
	if i < 0 {
		return "", "", fmt.Errorf("missing port")
	}
	return hostport[:i], hostport[i+1:], nil
}
