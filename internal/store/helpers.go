package store

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func timePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func uuidPtr(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return *id
}

func int64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func pqArray(values []string) any {
	return pq.Array(values)
}

func isUniqueViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	if !ok {
		return false
	}
	return pqErr.Code == "23505"
}
