package exam

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/mind-engage/mindengage-attempts/internal/db"
)

func TestSQLStoreSQLite(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		dsn := "file:" + filepath.Join(t.TempDir(), "attempts.db") + "?_pragma=busy_timeout(5000)"
		conn, err := db.Open(context.Background(), db.DriverSQLite, dsn)
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		t.Cleanup(func() { _ = conn.Close() })
		return NewSQLStore(conn)
	})
}
