package driver

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// startPostgres starts a throwaway PostgreSQL container and returns a pgx
// DSN. The test is skipped when Docker is unavailable.
func startPostgres(t *testing.T) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("qmaster"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Skipf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Skipf("container port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://test:test@%s:%s/qmaster?sslmode=disable", host, port.Port())

	deadline := time.Now().Add(45 * time.Second)
	for {
		db, err := sql.Open("pgx", dsn)
		if err == nil {
			pctx, pcancel := context.WithTimeout(ctx, 2*time.Second)
			err = db.PingContext(pctx)
			pcancel()
			_ = db.Close()
			if err == nil {
				return dsn
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("postgres not ready in time: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func TestPostgresDriver(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	runDriverSuite(t, openWith("postgres", startPostgres(t)))
}
