package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationStoreContract(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	runStoreContract(t, func(t *testing.T) Store {
		s, err := NewPostgresStore(dsn)
		if err != nil {
			t.Fatalf("new postgres store: %v", err)
		}
		s.tablePrefix = postgresIntegrationPrefix()
		t.Cleanup(func() {
			_ = s.Close()
			postgresIntegrationDropTables(t, dsn, s.tablePrefix)
		})
		if err := s.Ready(context.Background()); err != nil {
			t.Fatalf("postgres ready: %v", err)
		}
		return s
	})
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("CANVASRELAY_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set CANVASRELAY_TEST_POSTGRES_DSN to run postgres integration tests")
	}
	return dsn
}

func postgresIntegrationPrefix() string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("it_%d_%d_", time.Now().UnixNano(), n)
}

func postgresIntegrationDropTables(t *testing.T, dsn, prefix string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Logf("open postgres for cleanup: %v", err)
		return
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	for _, table := range []string{"projects", "project_collaborators", "pages", "canvases", "layers", "documents"} {
		if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+sqlQuoteIdentifier(prefix+table)); err != nil {
			t.Logf("drop %s: %v", table, err)
		}
	}
}
