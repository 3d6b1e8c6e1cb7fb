package amigrate_test

import (
	"context"
	"strings"
	"testing"

	"github.com/karu-codes/asql/adatabase"
	"github.com/karu-codes/asql/adriver/adrivermock"
	"github.com/karu-codes/asql/amigrate"
	"github.com/karu-codes/asql/aresult"
	"github.com/karu-codes/asql/avalue"
	"github.com/karu-codes/asql/errors"
)

const doc = `
-- 1 up
CREATE TABLE widgets (id INTEGER);
-- 1 down
DROP TABLE widgets;
-- 2 up
ALTER TABLE widgets ADD COLUMN name TEXT;
-- 2 down
ALTER TABLE widgets DROP COLUMN name;
`

func TestParse(t *testing.T) {
	src, err := amigrate.Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatal(err)
	}
	if len(src.Up) != 2 || len(src.Down) != 2 {
		t.Fatalf("expected 2 up and 2 down sections, got %d/%d", len(src.Up), len(src.Down))
	}
	if !strings.Contains(src.Up[1], "CREATE TABLE widgets") {
		t.Fatalf("unexpected up[1]: %q", src.Up[1])
	}
}

// state models a single-name bookkeeping row plus whatever widgets-table
// side effects the mock handler chooses to track, so the test can assert
// the migration actually reached the requested version.
type state struct {
	version int64
}

func openMigrateDB(t *testing.T, st *state) adatabase.Database {
	t.Helper()
	factory := adrivermock.New(func(text string, params []any) *aresult.Result {
		switch {
		case strings.Contains(text, "CREATE TABLE IF NOT EXISTS asql_migrations"):
			return aresult.NewCommand(0, true)
		case strings.Contains(text, "FOR UPDATE"):
			return aresult.NewRows(
				[]aresult.Column{{Name: "version", OID: avalue.OIDInt8}},
				[][][]byte{{[]byte(itoa(st.version))}},
				[]int16{0},
				0, true,
			)
		case strings.Contains(text, "INSERT INTO asql_migrations"):
			// Extract the target version out of the literal VALUES(...) text
			// the same way a real backend would just execute it; the mock
			// instead parses it back out to update st.version.
			v, ok := parseUpsertVersion(text)
			if ok {
				st.version = v
			}
			return aresult.NewCommand(1, true)
		default:
			return aresult.NewCommand(0, true)
		}
	})
	drv, err := factory()
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	drv.Open(context.Background(), func(err error) { done <- err })
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	return adatabase.New(drv, nil)
}

func TestMigrateUpToTarget(t *testing.T) {
	src, err := amigrate.Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatal(err)
	}
	src.Name = "widgets"

	st := &state{}
	db := openMigrateDB(t, st)

	done := make(chan struct{})
	var finalVersion int64
	var finalErr error
	amigrate.Migrate(context.Background(), db, src, 2, false, func(v int64, err error) {
		finalVersion, finalErr = v, err
		close(done)
	})
	<-done

	if finalErr != nil {
		t.Fatalf("unexpected error: %v", finalErr)
	}
	if finalVersion != 2 {
		t.Fatalf("expected final version 2, got %d", finalVersion)
	}
}

func TestMigrateAheadOfCodeFails(t *testing.T) {
	src, err := amigrate.Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatal(err)
	}
	src.Name = "widgets"

	st := &state{version: 5}
	db := openMigrateDB(t, st)

	done := make(chan struct{})
	var finalErr error
	amigrate.Migrate(context.Background(), db, src, 2, false, func(v int64, err error) {
		finalErr = err
		close(done)
	})
	<-done

	if !errors.HasCode(finalErr, errors.CodeMigrationAhead) {
		t.Fatalf("expected CodeMigrationAhead, got %v", finalErr)
	}
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func parseUpsertVersion(text string) (int64, bool) {
	idx := strings.Index(text, "VALUES ('")
	if idx < 0 {
		return 0, false
	}
	rest := text[idx+len("VALUES ('"):]
	end := strings.Index(rest, "'")
	if end < 0 {
		return 0, false
	}
	rest = rest[end+1:]
	rest = strings.TrimPrefix(rest, ", ")
	comma := strings.Index(rest, ")")
	if comma < 0 {
		return 0, false
	}
	numStr := strings.TrimSpace(rest[:comma])
	var v int64
	for _, c := range numStr {
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + int64(c-'0')
	}
	return v, true
}
