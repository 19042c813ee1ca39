// Package catalog is the persistence layer for the archive state: files,
// requests, quotas, restore disks and retrieval slots. All stage
// transitions go through here.
package catalog

import (
	"errors"
	"strings"

	"github.com/RoseOO/nearline/internal/database"
)

var (
	// ErrNotFound is returned when a looked-up entity doesn't exist.
	ErrNotFound = errors.New("not found")
	// ErrNoDiskSpace is returned when no restore disk can hold a batch.
	ErrNoDiskSpace = errors.New("no restore disk with enough free space")
)

// chunkSize bounds the number of values in a single IN (...) clause.
// SQLite caps bound variables well below the catalog's batch ceiling.
const chunkSize = 500

// Store provides catalog access on top of the database.
type Store struct {
	db *database.DB
}

// NewStore creates a Store.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for audit logging.
func (s *Store) DB() *database.DB {
	return s.db
}

// placeholders returns "?,?,...,?" with n slots.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

// chunkInt64 splits ids into chunkSize pieces.
func chunkInt64(ids []int64) [][]int64 {
	var chunks [][]int64
	for len(ids) > 0 {
		n := len(ids)
		if n > chunkSize {
			n = chunkSize
		}
		chunks = append(chunks, ids[:n])
		ids = ids[n:]
	}
	return chunks
}

// chunkStrings splits values into chunkSize pieces.
func chunkStrings(values []string) [][]string {
	var chunks [][]string
	for len(values) > 0 {
		n := len(values)
		if n > chunkSize {
			n = chunkSize
		}
		chunks = append(chunks, values[:n])
		values = values[n:]
	}
	return chunks
}

func int64Args(ids []int64) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func stringArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
