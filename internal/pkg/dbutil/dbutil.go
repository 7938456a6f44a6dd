package dbutil

import (
	"errors"
	"regexp"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

var limitRegex = regexp.MustCompile(`(?i)LIMIT\s+\?\s*,\s*\?`)

// Finalize turns a gendry (mysql flavoured) statement into one postgres
// accepts: "LIMIT ?, ?" becomes "LIMIT ? OFFSET ?" and placeholders are
// rebound to $N.
func Finalize(query string, args []interface{}) (string, []interface{}) {
	loc := limitRegex.FindStringIndex(query)
	if loc != nil {
		prefix := query[:loc[0]]
		qCount := strings.Count(prefix, "?")
		if qCount+1 < len(args) {
			args[qCount], args[qCount+1] = args[qCount+1], args[qCount]
			query = limitRegex.ReplaceAllString(query, "LIMIT ? OFFSET ?")
		}
	}
	return sqlx.Rebind(sqlx.DOLLAR, query), args
}

func IsConflict(err error) bool {
	return hasCode(err, "23505")
}

// IsConnection reports errors of the connection_exception class (08xxx).
func IsConnection(err error) bool {
	var pgErr *pq.Error
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(string(pgErr.Code), "08")
	}
	return false
}

func hasCode(err error, code string) bool {
	var pgErr *pq.Error
	if errors.As(err, &pgErr) {
		return string(pgErr.Code) == code
	}
	return false
}
