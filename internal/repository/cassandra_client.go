package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gocql/gocql"

	"github.com/beech80/clipt-sub000/internal/config"
)

// cassandraSchema backs CassandraMessageRepository. messages_by_stream serves
// the windowed history read; messages_by_id locates a row's clustering key
// for point reads and updates.
var cassandraSchema = []string{
	`CREATE TABLE IF NOT EXISTS messages_by_stream (
		stream_id text,
		created_at timestamp,
		message_id text,
		user_id text,
		message text,
		is_deleted boolean,
		is_command boolean,
		command_type text,
		edited_at timestamp,
		PRIMARY KEY ((stream_id), created_at, message_id)
	) WITH CLUSTERING ORDER BY (created_at DESC, message_id DESC)`,
	`CREATE TABLE IF NOT EXISTS messages_by_id (
		message_id text PRIMARY KEY,
		stream_id text,
		created_at timestamp
	)`,
}

// NewCassandraSession connects to the cluster and, when configured, creates
// the message tables.
func NewCassandraSession(ctx context.Context, cfg config.CassandraConfig) (*gocql.Session, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = parseConsistency(cfg.Consistency)
	cluster.ConnectTimeout = cfg.ConnectTimeout
	cluster.Timeout = cfg.Timeout
	if cfg.NumConns > 0 {
		cluster.NumConns = cfg.NumConns
	}

	if cfg.Username != "" && cfg.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}

	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create cassandra session: %w", err)
	}

	if cfg.CreateSchema {
		for _, stmt := range cassandraSchema {
			if err := session.Query(stmt).WithContext(ctx).Exec(); err != nil {
				session.Close()
				return nil, fmt.Errorf("failed to create cassandra schema: %w", err)
			}
		}
	}

	return session, nil
}

// parseConsistency converts a string consistency level to gocql.Consistency.
func parseConsistency(s string) gocql.Consistency {
	switch strings.ToUpper(s) {
	case "ANY":
		return gocql.Any
	case "ONE":
		return gocql.One
	case "TWO":
		return gocql.Two
	case "QUORUM":
		return gocql.Quorum
	case "ALL":
		return gocql.All
	case "EACH_QUORUM":
		return gocql.EachQuorum
	case "LOCAL_ONE":
		return gocql.LocalOne
	default:
		return gocql.LocalQuorum
	}
}
