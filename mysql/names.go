package mysql

import (
	"fmt"
	"strings"
)

// maxIdentifierLen is the MySQL limit for table and schema names.
const maxIdentifierLen = 64

// sanitizeTableName accepts table or schema.table made of ASCII letters,
// digits and underscores. Names are interpolated into queries unquoted.
func sanitizeTableName(name string) (string, error) {
	if name == "" {
		return "", ErrTableNameRequired
	}
	parts := strings.Split(name, ".")
	if len(parts) > 2 {
		return "", fmt.Errorf("%w: %s", ErrInvalidTableName, name)
	}
	for _, part := range parts {
		if !isIdentifier(part) {
			return "", fmt.Errorf("%w: %s", ErrInvalidTableName, name)
		}
	}

	return name, nil
}

func isIdentifier(part string) bool {
	if part == "" || len(part) > maxIdentifierLen {
		return false
	}

	return strings.IndexFunc(part, func(r rune) bool {
		return r != '_' && (r < '0' || r > '9') && (r < 'a' || r > 'z') && (r < 'A' || r > 'Z')
	}) < 0
}
