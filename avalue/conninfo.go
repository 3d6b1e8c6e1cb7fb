package avalue

import (
	"strings"

	"github.com/karu-codes/asql/errors"
)

// Scheme identifies which backend a connection-info descriptor
// targets.
type Scheme string

const (
	SchemePostgres   Scheme = "postgres"
	SchemePostgreSQL Scheme = "postgresql"
	SchemeSQLite     Scheme = "sqlite"
)

// ConnInfo is the parsed form of the opaque, URL-shaped connection-info
// descriptor. Everything after the recognized scheme is passed through
// to the backend unchanged, in Rest.
type ConnInfo struct {
	Scheme Scheme
	Rest   string // original string with "<scheme>://" stripped
	Raw    string // the original, unparsed descriptor
}

// ParseConnInfo recognizes the "<scheme>://..." prefix of a connection
// string. It does not otherwise validate or decompose the remainder —
// host/user/options parsing is the backend's job.
func ParseConnInfo(s string) (ConnInfo, error) {
	idx := strings.Index(s, "://")
	if idx < 0 {
		return ConnInfo{}, errors.Newf(errors.CodeInvalidArgument, "asql: connection info %q has no scheme", s)
	}
	scheme := Scheme(s[:idx])
	switch scheme {
	case SchemePostgres, SchemePostgreSQL, SchemeSQLite:
		return ConnInfo{Scheme: scheme, Rest: s[idx+3:], Raw: s}, nil
	default:
		return ConnInfo{}, errors.Newf(errors.CodeInvalidArgument, "asql: unrecognized connection scheme %q", scheme)
	}
}

// IsPostgres reports whether the descriptor targets a Postgres-compatible
// backend (either recognized scheme spelling).
func (c ConnInfo) IsPostgres() bool {
	return c.Scheme == SchemePostgres || c.Scheme == SchemePostgreSQL
}

// IsSQLite reports whether the descriptor targets the embedded file
// backend.
func (c ConnInfo) IsSQLite() bool {
	return c.Scheme == SchemeSQLite
}

// SQLiteOption reports whether a boolean sqlite connection option (e.g.
// READONLY, SHAREDCACHE, URI, MEMORY) is present,
// case-insensitively, among the options passed after '?'.
func (c ConnInfo) SQLiteOption(name string) bool {
	_, opts, found := strings.Cut(c.Rest, "?")
	if !found {
		return false
	}
	name = strings.ToUpper(name)
	for _, part := range strings.Split(opts, "&") {
		key, _, _ := strings.Cut(part, "=")
		if strings.ToUpper(key) == name {
			return true
		}
	}
	return false
}

// SQLitePath returns the file path portion of a sqlite connection info
// (everything before '?'), or "" for an in-memory database.
func (c ConnInfo) SQLitePath() string {
	path, _, _ := strings.Cut(c.Rest, "?")
	return path
}
