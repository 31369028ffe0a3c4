package db

import (
	"fmt"
	"regexp"
	"strings"
)

// identifierPattern is the only shape accepted for anything interpolated into
// DDL. Everything else is rejected before SQL assembly; user input is never
// concatenated into a statement.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// maxIdentifierLen matches the Postgres NAMEDATALEN-1 limit.
const maxIdentifierLen = 63

// ValidIdentifier reports whether s is a safe SQL identifier.
func ValidIdentifier(s string) bool {
	return len(s) > 0 && len(s) <= maxIdentifierLen && identifierPattern.MatchString(s)
}

// CheckIdentifier returns ErrInvalidIdentifier for anything that is not a safe
// identifier. The offending value is deliberately not included in the error:
// it may be attacker-controlled and must not leak into operator-visible logs.
func CheckIdentifier(s string) error {
	if !ValidIdentifier(s) {
		return fmt.Errorf("%w (length %d)", ErrInvalidIdentifier, len(s))
	}
	return nil
}

// CheckIdentifiers validates a list of identifiers at once.
func CheckIdentifiers(names ...string) error {
	for _, n := range names {
		if err := CheckIdentifier(n); err != nil {
			return err
		}
	}
	return nil
}

// QualifiedTable splits an optionally schema-qualified table name and
// validates both parts. An unqualified name defaults to the public schema.
func QualifiedTable(name string) (schema, table string, err error) {
	schema = "public"
	table = name
	if i := strings.IndexByte(name, '.'); i >= 0 {
		schema = name[:i]
		table = name[i+1:]
	}
	if err := CheckIdentifiers(schema, table); err != nil {
		return "", "", err
	}
	return schema, table, nil
}
