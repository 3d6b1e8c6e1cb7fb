// Package amigrate implements a schema migration engine: a plain-text
// source format of up/down SQL sections, a bookkeeping table tracking
// the active version per migration name, and a step-at-a-time,
// transactional apply/rollback algorithm.
package amigrate

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/karu-codes/asql/adatabase"
	"github.com/karu-codes/asql/aresult"
	"github.com/karu-codes/asql/atransaction"
	"github.com/karu-codes/asql/errors"
)

// sectionHeader matches "-- <version> up" / "-- <version> down",
// case-insensitive, with arbitrary leading whitespace.
var sectionHeader = regexp.MustCompile(`(?i)^\s*--\s*(\d+)\s+(up|down)\s*$`)

// Source is a parsed migration document: up and down SQL indexed by
// version. A missing down entry for a version disallows rolling back
// past that step.
type Source struct {
	Name string
	Up   map[int64]string
	Down map[int64]string
}

// Parse reads a migration document: section headers of the form
// "-- <version> up"/"-- <version> down"; every line until the next
// header belongs to the most recently opened section.
func Parse(r io.Reader) (*Source, error) {
	src := &Source{Up: make(map[int64]string), Down: make(map[int64]string)}

	var (
		curVersion int64
		curUp      bool
		haveCur    bool
		buf        strings.Builder
	)
	flush := func() {
		if !haveCur {
			return
		}
		text := strings.TrimRight(buf.String(), "\n")
		if curUp {
			src.Up[curVersion] = text
		} else {
			src.Down[curVersion] = text
		}
		buf.Reset()
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if m := sectionHeader.FindStringSubmatch(line); m != nil {
			flush()
			v, err := strconv.ParseInt(m[1], 10, 64)
			if err != nil {
				return nil, errors.Wrap(err, errors.CodeInvalidArgument, "asql: migration version")
			}
			curVersion = v
			curUp = strings.EqualFold(m[2], "up")
			haveCur = true
			continue
		}
		if haveCur {
			buf.WriteString(line)
			buf.WriteByte('\n')
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidArgument, "asql: reading migration source")
	}
	flush()
	return src, nil
}

// latestVersion returns the highest version with an up migration, or 0
// if the source defines none.
func (s *Source) latestVersion() int64 {
	var max int64
	for v := range s.Up {
		if v > max {
			max = v
		}
	}
	return max
}

// nextUp finds the smallest up-version v with active < v <= target.
func (s *Source) nextUp(active, target int64) (int64, bool) {
	best := int64(0)
	found := false
	for v := range s.Up {
		if v > active && v <= target && (!found || v < best) {
			best, found = v, true
		}
	}
	return best, found
}

// nextDown finds the largest version v with target < v <= active that
// has a down migration; the post-step version is v-1.
func (s *Source) nextDown(active, target int64) (int64, bool) {
	best := int64(0)
	found := false
	for v := range s.Down {
		if v > target && v <= active && (!found || v > best) {
			best, found = v, true
		}
	}
	return best, found
}

const bookkeepingDDL = `CREATE TABLE IF NOT EXISTS asql_migrations (
	name TEXT PRIMARY KEY,
	version BIGINT NOT NULL CHECK (version >= 0)
)`

// Migrate runs the step-at-a-time algorithm to bring src to target,
// applying (or rolling back) one step per transaction and recursing
// until no step remains. onDone is invoked once, on success (with the
// final version reached) or on the first failure. dryRun applies only
// the first pending step's SQL inside its transaction and rolls that
// transaction back instead of committing; Migrate then stops, so later
// steps are not run and the version reported is whatever was active
// before Migrate ran.
func Migrate(ctx context.Context, db adatabase.Database, src *Source, target int64, dryRun bool, onDone func(version int64, err error)) {
	ensureBookkeeping(ctx, db, func(err error) {
		if err != nil {
			onDone(0, err)
			return
		}
		step(ctx, db, src, target, dryRun, onDone)
	})
}

// Bookkeeping ensures the asql_migrations table exists, synchronously.
// Callers that need to distinguish a bookkeeping failure from a step
// failure (the CLI's exit-code contract, for instance) can call this
// before Migrate instead of inspecting Migrate's error for both.
func Bookkeeping(ctx context.Context, db adatabase.Database) error {
	done := make(chan error, 1)
	ensureBookkeeping(ctx, db, func(err error) { done <- err })
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func ensureBookkeeping(ctx context.Context, db adatabase.Database, onDone func(error)) {
	done := make(chan error, 1)
	db.Exec(bookkeepingDDL, nil, func(r *aresult.Result) {
		if r.IsError() {
			done <- errors.New(r.Code(), r.Error())
			return
		}
		done <- nil
	}, nil)
	select {
	case err := <-done:
		onDone(err)
	case <-ctx.Done():
		onDone(ctx.Err())
	}
}

// step performs exactly one migration step (or none) inside its own
// transaction, then recurses.
func step(ctx context.Context, db adatabase.Database, src *Source, target int64, dryRun bool, onDone func(int64, error)) {
	name := src.Name
	tx := atransaction.New(db)
	beginDone := make(chan error, 1)
	tx.Begin(nil, func(r *aresult.Result) {
		if r.IsError() {
			beginDone <- errors.New(r.Code(), r.Error())
			return
		}
		beginDone <- nil
	})
	if err := awaitCtx(ctx, beginDone); err != nil {
		onDone(0, err)
		return
	}

	active, err := selectForUpdate(ctx, db, name)
	if err != nil {
		tx.Close()
		onDone(0, err)
		return
	}

	latest := src.latestVersion()
	if active > latest {
		tx.Close()
		onDone(active, errors.Newf(errors.CodeMigrationAhead, "asql: %q is at version %d, ahead of the %d versions available", name, active, latest))
		return
	}

	var (
		nextVersion int64
		sql         string
		hasStep     bool
	)
	if active < target {
		if v, ok := src.nextUp(active, target); ok {
			nextVersion, sql, hasStep = v, src.Up[v], true
		}
	} else if active > target {
		if v, ok := src.nextDown(active, target); ok {
			nextVersion, sql, hasStep = v-1, src.Down[v], true
		}
	}

	if !hasStep {
		commitDone := make(chan error, 1)
		tx.Commit(nil, func(r *aresult.Result) {
			if r.IsError() {
				commitDone <- errors.New(r.Code(), r.Error())
				return
			}
			commitDone <- nil
		})
		if err := awaitCtx(ctx, commitDone); err != nil {
			onDone(active, err)
			return
		}
		onDone(active, nil)
		return
	}

	upsert := fmt.Sprintf(
		`INSERT INTO asql_migrations (name, version) VALUES ('%s', %d)
		 ON CONFLICT (name) DO UPDATE SET version = excluded.version;
		 %s`,
		escapeLiteral(name), nextVersion, sql)

	applyDone := make(chan error, 1)
	db.Exec(upsert, nil, func(r *aresult.Result) {
		if !r.LastInBatch() {
			return
		}
		if r.IsError() {
			applyDone <- errors.New(r.Code(), r.Error())
			return
		}
		applyDone <- nil
	}, nil)
	applyErr := awaitCtx(ctx, applyDone)

	finishDone := make(chan error, 1)
	finish := func(r *aresult.Result) {
		if r.IsError() {
			finishDone <- errors.New(r.Code(), r.Error())
			return
		}
		finishDone <- nil
	}
	if applyErr != nil || dryRun {
		tx.Rollback(nil, finish)
	} else {
		tx.Commit(nil, finish)
	}
	if err := awaitCtx(ctx, finishDone); err != nil {
		onDone(active, err)
		return
	}
	if applyErr != nil {
		onDone(active, applyErr)
		return
	}
	if dryRun {
		onDone(active, nil)
		return
	}

	step(ctx, db, src, target, dryRun, onDone)
}

func selectForUpdate(ctx context.Context, db adatabase.Database, name string) (int64, error) {
	query := fmt.Sprintf(`SELECT version FROM asql_migrations WHERE name = '%s' FOR UPDATE`, escapeLiteral(name))
	type outcome struct {
		version int64
		err     error
	}
	done := make(chan outcome, 1)
	db.Exec(query, nil, func(r *aresult.Result) {
		if !r.LastInBatch() {
			return
		}
		if r.IsError() {
			done <- outcome{err: errors.New(r.Code(), r.Error())}
			return
		}
		if r.NumRows() == 0 {
			done <- outcome{version: 0}
			return
		}
		v, err := r.Value(0, 0)
		if err != nil {
			done <- outcome{err: err}
			return
		}
		version, ok := toInt64(v)
		if !ok {
			done <- outcome{err: errors.Newf(errors.CodeResultError, "asql: asql_migrations.version is not an integer: %v", v)}
			return
		}
		done <- outcome{version: version}
	}, nil)
	select {
	case o := <-done:
		return o.version, o.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func awaitCtx(ctx context.Context, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SortedVersions is a small convenience for callers (e.g.
// cmd/asql-migrate's --show-sql) that want to print a Source's steps in
// order rather than in map iteration order.
func SortedVersions(m map[int64]string) []int64 {
	out := make([]int64, 0, len(m))
	for v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
