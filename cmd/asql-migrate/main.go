// Command asql-migrate applies a schema migration document against a
// live database, built on amigrate's step-at-a-time algorithm.
package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/karu-codes/asql/adatabase"
	"github.com/karu-codes/asql/adriver"
	"github.com/karu-codes/asql/amigrate"
	"github.com/karu-codes/asql/avalue"
	"github.com/karu-codes/asql/config"
	"github.com/karu-codes/asql/errors"
)

// exitCode mirrors the CLI's documented exit status contract: each
// failure mode gets its own code so scripts can branch on why a
// migration run didn't succeed, rather than parsing stderr text.
type exitCode int

const (
	exitOK exitCode = iota
	exitNoInputFiles
	exitBadTarget
	exitNoURL
	exitNoName
	exitOpenFailure
	exitConnectFailure
	exitBookkeepingFailure
	exitUserCancelled
	exitMigrationError
)

// fileConfig holds the url and name defaults loadable via --config, for
// non-interactive CI usage where -c/-n are awkward to pass as flags.
type fileConfig struct {
	URL  string `yaml:"url" json:"url" env:"ASQL_MIGRATE_URL"`
	Name string `yaml:"name" json:"name" env:"ASQL_MIGRATE_NAME"`
}

func main() {
	logger := slog.Default()
	cmd := &cli.Command{
		Name:      "asql-migrate",
		Usage:     "apply a schema migration document against a database",
		ArgsUsage: "<migration-file>...",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "optional config file (yaml/json) supplying url/name defaults"},
			&cli.StringFlag{Name: "connection", Aliases: []string{"c"}, Usage: "connection url (postgres://... or sqlite://...)"},
			&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Usage: "migration name (defaults to the first file's stem)"},
			&cli.Int64Flag{Name: "target", Usage: "target version (defaults to the latest parsed version)", Value: -1},
			&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "skip interactive confirmation"},
			&cli.BoolFlag{Name: "dry-run", Aliases: []string{"d"}, Usage: "apply the first pending step inside its transaction, then roll back and stop"},
			&cli.BoolFlag{Name: "show-sql", Aliases: []string{"s"}, Usage: "print the aggregate SQL of the parsed document"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			code := run(ctx, c, logger)
			if code != exitOK {
				os.Exit(int(code))
			}
			return nil
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(int(exitMigrationError))
	}
}

func run(ctx context.Context, c *cli.Command, logger *slog.Logger) exitCode {
	files := c.Args().Slice()
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "asql-migrate: no input files")
		return exitNoInputFiles
	}

	var fcfg fileConfig
	if path := c.String("config"); path != "" {
		if err := config.Load(path, &fcfg); err != nil {
			fmt.Fprintln(os.Stderr, errors.ToCMDError(err))
			return exitOpenFailure
		}
	}

	connURL := c.String("connection")
	if connURL == "" {
		connURL = fcfg.URL
	}
	if connURL == "" {
		fmt.Fprintln(os.Stderr, "asql-migrate: no connection url (-c, or url in --config)")
		return exitNoURL
	}

	name := c.String("name")
	if name == "" {
		name = fcfg.Name
	}
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(files[0]), filepath.Ext(files[0]))
	}
	if name == "" {
		fmt.Fprintln(os.Stderr, "asql-migrate: no migration name (-n, or derivable from the first filename)")
		return exitNoName
	}

	var buf bytes.Buffer
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			fmt.Fprintf(os.Stderr, "asql-migrate: read %s: %v\n", f, err)
			return exitNoInputFiles
		}
		buf.Write(b)
		buf.WriteByte('\n')
	}
	src, err := amigrate.Parse(&buf)
	if err != nil {
		fmt.Fprintln(os.Stderr, errors.ToCMDError(err))
		return exitNoInputFiles
	}
	src.Name = name

	target := c.Int64("target")
	if target < 0 {
		target = latestVersion(src)
	}
	if target < 0 {
		fmt.Fprintln(os.Stderr, "asql-migrate: bad target")
		return exitBadTarget
	}

	if c.Bool("show-sql") {
		printSQL(src)
	}

	if !c.Bool("yes") && !confirm(name, target) {
		fmt.Fprintln(os.Stderr, "asql-migrate: cancelled")
		return exitUserCancelled
	}

	ci, err := avalue.ParseConnInfo(connURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, errors.ToCMDError(err))
		return exitOpenFailure
	}

	var factory adriver.Factory
	switch {
	case ci.IsPostgres():
		factory = adriver.NewPostgres(connURL, logger)
	case ci.IsSQLite():
		factory = adriver.NewSQLite(ci, logger)
	default:
		fmt.Fprintln(os.Stderr, "asql-migrate: unrecognized connection scheme")
		return exitOpenFailure
	}

	drv, err := factory()
	if err != nil {
		fmt.Fprintln(os.Stderr, errors.ToCMDError(err))
		return exitOpenFailure
	}

	openDone := make(chan error, 1)
	drv.Open(ctx, func(err error) { openDone <- err })
	select {
	case err := <-openDone:
		if err != nil {
			fmt.Fprintln(os.Stderr, errors.ToCMDError(err))
			return exitConnectFailure
		}
	case <-ctx.Done():
		return exitConnectFailure
	}
	db := adatabase.New(drv, func(d adriver.Driver) { _ = d.Close() })
	defer db.Release()

	if err := amigrate.Bookkeeping(ctx, db); err != nil {
		fmt.Fprintln(os.Stderr, errors.ToCMDError(err))
		return exitBookkeepingFailure
	}

	migrateDone := make(chan struct {
		version int64
		err     error
	}, 1)
	amigrate.Migrate(ctx, db, src, target, c.Bool("dry-run"), func(version int64, err error) {
		migrateDone <- struct {
			version int64
			err     error
		}{version, err}
	})

	select {
	case result := <-migrateDone:
		if result.err != nil {
			fmt.Fprintln(os.Stderr, errors.ToCMDError(result.err))
			if errors.HasCode(result.err, errors.CodeConnectFailure) {
				return exitConnectFailure
			}
			return exitMigrationError
		}
		fmt.Printf("asql-migrate: %s now at version %d\n", name, result.version)
		return exitOK
	case <-ctx.Done():
		return exitMigrationError
	}
}

func latestVersion(src *amigrate.Source) int64 {
	versions := amigrate.SortedVersions(src.Up)
	if len(versions) == 0 {
		return -1
	}
	return versions[len(versions)-1]
}

func printSQL(src *amigrate.Source) {
	for _, v := range amigrate.SortedVersions(src.Up) {
		fmt.Printf("-- %d up\n%s\n", v, src.Up[v])
	}
	for _, v := range amigrate.SortedVersions(src.Down) {
		fmt.Printf("-- %d down\n%s\n", v, src.Down[v])
	}
}

func confirm(name string, target int64) bool {
	fmt.Printf("Migrate %q to version %d? [y/N] ", name, target)
	var answer string
	_, _ = fmt.Scanln(&answer)
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
