package db

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	dbx, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := Migrate(context.Background(), dbx); err != nil {
		dbx.Close()
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { dbx.Close() })
	return dbx
}

func TestMigrateIdempotent(t *testing.T) {
	dbx := testDB(t)
	// Running twice must not fail.
	if err := Migrate(context.Background(), dbx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestRecordingRoundTrip(t *testing.T) {
	dbx := testDB(t)
	ctx := context.Background()

	started := time.Now().UTC().Truncate(time.Second)
	var id int64
	err := dbx.QueryRowContext(ctx,
		`INSERT INTO recordings (channel_id, display_name, title, output_path, started_at, state)
		 VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		"u-test-1", "Alice", "hello", "/data/Alice_20260101_000000.mp4", started, "running").Scan(&id)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	t.Cleanup(func() { dbx.ExecContext(ctx, `DELETE FROM recordings WHERE id=$1`, id) })

	if _, err := dbx.ExecContext(ctx,
		`UPDATE recordings SET state=$1, ended_at=NOW(), exit_code=$2, bytes=$3 WHERE id=$4`,
		"stopped", 0, 1024, id); err != nil {
		t.Fatalf("update: %v", err)
	}

	recs, err := ListRecordings(ctx, dbx, "u-test-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) == 0 {
		t.Fatal("no recordings returned")
	}
	r := recs[0]
	if r.State != "stopped" || r.Bytes != 1024 {
		t.Errorf("row = %+v, want stopped/1024", r)
	}
	if r.ExitCode == nil || *r.ExitCode != 0 {
		t.Errorf("exit_code = %v, want 0", r.ExitCode)
	}
}

func TestKVRoundTrip(t *testing.T) {
	dbx := testDB(t)
	ctx := context.Background()

	if v, err := GetKV(ctx, dbx, "test_missing_key"); err != nil || v != "" {
		t.Fatalf("GetKV missing = %q, %v; want empty, nil", v, err)
	}
	if err := SetKV(ctx, dbx, "test_key", "v1"); err != nil {
		t.Fatalf("SetKV: %v", err)
	}
	t.Cleanup(func() { dbx.ExecContext(ctx, `DELETE FROM kv WHERE key=$1`, "test_key") })
	if err := SetKV(ctx, dbx, "test_key", "v2"); err != nil {
		t.Fatalf("SetKV upsert: %v", err)
	}
	if v, err := GetKV(ctx, dbx, "test_key"); err != nil || v != "v2" {
		t.Fatalf("GetKV = %q, %v; want v2, nil", v, err)
	}
}
