package data

import (
	"errors"
	"os"
	"strings"
)

// ErrNoDSN means no database is configured; the executor then runs on env
// settings only.
var ErrNoDSN = errors.New("data: no MySQL DSN configured")

// DSNKeys are checked in order. The first non-empty value wins.
var DSNKeys = []string{"AGENTEXEC_MYSQL_DSN", "MYSQL_DSN"}

// ResolveDSN returns the configured DSN using lookup, or os.Getenv when
// lookup is nil.
func ResolveDSN(lookup func(string) string) (string, error) {
	if lookup == nil {
		lookup = os.Getenv
	}
	for _, key := range DSNKeys {
		if dsn := strings.TrimSpace(lookup(key)); dsn != "" {
			return dsn, nil
		}
	}
	return "", ErrNoDSN
}
