package migrate

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"testing/fstest"

	_ "github.com/duckdb/duckdb-go/v2"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	if err != nil {
		t.Fatalf("open duckdb: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRun_CreatesRecordsTable(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := NewRunner(db).Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, table := range []string{"records", "schema_migrations"} {
		var name string
		err := db.QueryRow("SELECT table_name FROM information_schema.tables WHERE table_name = ?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
}

func TestRun_IsIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	r := NewRunner(db)

	before, err := r.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if before.Current != 0 || len(before.Pending) != 2 {
		t.Fatalf("before Run: %+v, want version 0 with 2 pending", before)
	}

	if err := r.Run(ctx); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := r.Run(ctx); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	after, err := r.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if after.Current != 2 || len(after.Pending) != 0 {
		t.Fatalf("after Run: %+v, want version 2 with nothing pending", after)
	}
}

func TestRun_EventIDIsUnique(t *testing.T) {
	db := openTestDB(t)
	if err := NewRunner(db).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	insert := `INSERT INTO records (event_id, observed_at, log_time, level, class, message, status_message, source)
		VALUES ('evt', now()::TIMESTAMP, '12:00:00', 'Info', 'Other', 'm', 'm', 'latest.log')`
	if _, err := db.Exec(insert); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := db.Exec(insert); err == nil {
		t.Fatal("duplicate event_id was accepted")
	}
}

func TestRun_RejectsModifiedMigration(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	r := &Runner{db: db, src: fstest.MapFS{
		"001_things.sql": {Data: []byte("CREATE TABLE things (id INTEGER);")},
	}}
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	r.src = fstest.MapFS{
		"001_things.sql": {Data: []byte("CREATE TABLE things (id BIGINT);")},
	}
	if err := r.Run(ctx); !errors.Is(err, ErrModified) {
		t.Fatalf("Run after edit error = %v, want ErrModified", err)
	}
}

func TestLoad_RejectsBadNames(t *testing.T) {
	cases := map[string]fstest.MapFS{
		"no version": {"things.sql": {Data: []byte("SELECT 1;")}},
		"duplicate": {
			"001_a.sql": {Data: []byte("SELECT 1;")},
			"001_b.sql": {Data: []byte("SELECT 2;")},
		},
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := load(src); err == nil {
				t.Fatal("load succeeded, want an error")
			}
		})
	}
}

func TestLoad_OrdersByVersion(t *testing.T) {
	migs, err := load(fstest.MapFS{
		"010_later.sql": {Data: []byte("SELECT 10;")},
		"002_early.sql": {Data: []byte("SELECT 2;")},
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(migs) != 2 || migs[0].version != 2 || migs[1].version != 10 {
		t.Fatalf("load order = %+v", migs)
	}
}
