package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/gocql/gocql"

	"github.com/acme/lead-call-engine/internal/config"
)

// Scylla holds the session used for call history and the rotation audit.
type Scylla struct {
	session  *gocql.Session
	keyspace string
}

// NewScylla creates a session. With a local datacenter configured, queries
// are routed token-aware within that datacenter.
func NewScylla(cfg config.ScyllaConfig) (*Scylla, error) {
	consistency, err := ParseConsistency(cfg.Consistency)
	if err != nil {
		return nil, err
	}

	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Port = cfg.Port
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = consistency
	cluster.Timeout = cfg.Timeout
	if cfg.ConnectTimeout > 0 {
		cluster.ConnectTimeout = cfg.ConnectTimeout
	}
	retries := cfg.NumRetries
	if retries <= 0 {
		retries = 3
	}
	cluster.RetryPolicy = &gocql.SimpleRetryPolicy{NumRetries: retries}
	if cfg.LocalDC != "" {
		cluster.PoolConfig.HostSelectionPolicy = gocql.TokenAwareHostPolicy(gocql.DCAwareRoundRobinPolicy(cfg.LocalDC))
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("scylla: create session for keyspace %s: %w", cfg.Keyspace, err)
	}

	return &Scylla{session: session, keyspace: cfg.Keyspace}, nil
}

// Session exposes the gocql session.
func (s *Scylla) Session() *gocql.Session {
	return s.session
}

// Ping runs a trivial query against the local node.
func (s *Scylla) Ping(ctx context.Context) error {
	var version string
	if err := s.session.Query(`SELECT release_version FROM system.local`).WithContext(ctx).Scan(&version); err != nil {
		return fmt.Errorf("scylla: ping %s: %w", s.keyspace, err)
	}
	return nil
}

// Close shuts down the session.
func (s *Scylla) Close() error {
	if s.session != nil {
		s.session.Close()
	}
	return nil
}

// ParseConsistency maps a configured level to gocql. Empty means quorum.
func ParseConsistency(level string) (gocql.Consistency, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "quorum":
		return gocql.Quorum, nil
	case "one":
		return gocql.One, nil
	case "local_one":
		return gocql.LocalOne, nil
	case "local_quorum":
		return gocql.LocalQuorum, nil
	case "each_quorum":
		return gocql.EachQuorum, nil
	case "all":
		return gocql.All, nil
	default:
		return 0, fmt.Errorf("scylla: unknown consistency %q", level)
	}
}
