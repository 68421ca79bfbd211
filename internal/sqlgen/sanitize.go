package sqlgen

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsafeStatement is returned by Validate when a generated statement is
// not a plain SELECT. Statements failing validation must never reach the
// store.
var ErrUnsafeStatement = errors.New("unsafe statement: only SELECT queries are allowed")

// Sanitize strips Markdown code fences, surrounding backticks and
// whitespace, and a trailing semicolon from a generated SQL string. It is
// idempotent: Sanitize(Sanitize(s)) == Sanitize(s).
func Sanitize(sql string) string {
	s := strings.TrimSpace(sql)
	s = strings.ReplaceAll(s, "```sql", "")
	s = strings.ReplaceAll(s, "```", "")
	s = strings.Trim(s, "` \n\r\t")
	s = strings.TrimRight(s, ";")
	return strings.TrimSpace(s)
}

// Validate sanitizes the statement and rejects anything that is not a
// single read-only SELECT. The generator is treated as adversarial input:
// this is the sole enforcement point keeping write and DDL statements away
// from the store, and it runs unconditionally.
func Validate(sql string) (string, error) {
	s := Sanitize(sql)
	if s == "" {
		return "", fmt.Errorf("%w: empty statement", ErrUnsafeStatement)
	}
	if !strings.HasPrefix(strings.ToLower(s), "select") {
		return "", fmt.Errorf("%w: got %q", ErrUnsafeStatement, firstWord(s))
	}
	return s, nil
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
