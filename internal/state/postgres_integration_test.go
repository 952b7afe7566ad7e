package state

import (
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func TestPostgresStoreIntegration(t *testing.T) {
	dsn := os.Getenv("STAPI_POSTGRES_DSN_INTEGRATION")
	if dsn == "" {
		t.Skip("set STAPI_POSTGRES_DSN_INTEGRATION to run Postgres integration tests")
	}
	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	defer store.Close()
	run := time.Now().UTC().UnixNano()
	runStoreSuite(t, store, "pg-"+time.Unix(0, run).Format("20060102150405.000000000"), run/1000)
}
