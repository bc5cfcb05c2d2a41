package database

import (
	"errors"

	"github.com/lib/pq"
)

var ErrNotFound = errors.New("not found")

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 200
	maxContextRadius    = 50
	maxSearchResults    = 100
)

const foreignKeyViolation = pq.ErrorCode("23503")

func pqErrorCode(err error) (pq.ErrorCode, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code, true
	}
	return "", false
}

func isForeignKeyViolation(err error) bool {
	code, ok := pqErrorCode(err)
	return ok && code == foreignKeyViolation
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultMessageLimit
	case limit > maxMessageLimit:
		return maxMessageLimit
	default:
		return limit
	}
}
