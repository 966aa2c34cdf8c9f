package db

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("not found")

type Session struct {
	*gocql.Session
}

func NewSession(hosts []string, keyspace string) (*Session, error) {
	cluster := newCluster(hosts)
	cluster.Keyspace = keyspace

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to connect to scylla %v", hosts)
	}

	jww.INFO.Println("Connected to ScyllaDB cluster")
	return &Session{Session: session}, nil
}

func newCluster(hosts []string) *gocql.ClusterConfig {
	cluster := gocql.NewCluster(hosts...)
	cluster.Consistency = gocql.Quorum
	cluster.Timeout = 5 * time.Second
	cluster.ConnectTimeout = 5 * time.Second

	// Retry policy
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        1 * time.Second,
	}
	return cluster
}

// CreateKeyspace creates keyspace if needed using a session not bound to
// any keyspace.
func CreateKeyspace(ctx context.Context, hosts []string, keyspace string, replication int) error {
	cluster := newCluster(hosts)
	cluster.Consistency = gocql.One
	s, err := cluster.CreateSession()
	if err != nil {
		return errors.WithMessagef(err, "failed to connect to scylla %v", hosts)
	}
	defer s.Close()

	if replication < 1 {
		replication = 1
	}
	stmt := fmt.Sprintf("CREATE KEYSPACE IF NOT EXISTS %s WITH replication = {'class': 'SimpleStrategy', 'replication_factor': %d}",
		keyspace, replication)
	return errors.WithMessagef(s.Query(stmt).WithContext(ctx).Exec(), "failed to create keyspace %s", keyspace)
}

// Migrate creates every table the api reads and writes.
func (s *Session) Migrate(ctx context.Context) error {
	for _, stmt := range Schema {
		if err := s.Query(stmt.CQL).WithContext(ctx).Exec(); err != nil {
			return errors.WithMessagef(err, "failed to create table %s", stmt.Table)
		}
		jww.INFO.Printf("Table %s ready", stmt.Table)
	}
	return nil
}

// Drop removes every table Migrate creates.
func (s *Session) Drop(ctx context.Context) error {
	for _, stmt := range Schema {
		if err := s.Query("DROP TABLE IF EXISTS " + stmt.Table).WithContext(ctx).Exec(); err != nil {
			return errors.WithMessagef(err, "failed to drop table %s", stmt.Table)
		}
		jww.INFO.Printf("Table %s dropped", stmt.Table)
	}
	return nil
}
