package testutil

import (
	"context"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	pgvectorImage = "pgvector/pgvector:0.8.1-pg18"
	pgvectorPort  = "5432/tcp"
)

// PGVector is a throwaway Postgres with the vector extension available. The
// container is removed when the test finishes.
type PGVector struct {
	// DSN is a postgres:// URL that ConnectDB accepts.
	DSN string
}

type pgvectorSettings struct {
	database string
	user     string
	password string
}

type PGVectorOption func(*pgvectorSettings)

func WithPGVectorDatabase(name string) PGVectorOption {
	return func(s *pgvectorSettings) { s.database = name }
}

// StartPGVector starts the container and fails t if it never becomes ready.
func StartPGVector(ctx context.Context, t *testing.T, opts ...PGVectorOption) *PGVector {
	t.Helper()
	s := pgvectorSettings{database: "localqa", user: "localqa", password: "localqa"}
	for _, opt := range opts {
		opt(&s)
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        pgvectorImage,
			ExposedPorts: []string{pgvectorPort},
			Env: map[string]string{
				"POSTGRES_USER":     s.user,
				"POSTGRES_PASSWORD": s.password,
				"POSTGRES_DB":       s.database,
			},
			// postgres restarts once after initdb, hence two ready lines
			WaitingFor: wait.ForAll(
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
				wait.ForListeningPort(pgvectorPort),
			).WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	testcontainers.CleanupContainer(t, container)
	if err != nil {
		t.Fatalf("start %s: %v", pgvectorImage, err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("pgvector host: %v", err)
	}
	port, err := container.MappedPort(ctx, pgvectorPort)
	if err != nil {
		t.Fatalf("pgvector port: %v", err)
	}

	dsn := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(s.user, s.password),
		Host:     net.JoinHostPort(host, port.Port()),
		Path:     "/" + s.database,
		RawQuery: "sslmode=disable",
	}
	return &PGVector{DSN: dsn.String()}
}
