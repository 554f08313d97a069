// Package repository provides SQLite-backed storage for tasks, sessions,
// comments, events, rate-limit snapshots, and projects.
package repository

import (
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/ajfrai/agent-queue/internal/db"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrCycle is returned when a parent link would create a cycle.
	ErrCycle = errors.New("parent link would create a cycle")
)

// Store provides all persistence operations. Writes go through a
// single-connection writer pool; scheduler selection queries use the
// read-only pool.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader (read-only pool)
}

// New creates a Store over existing writer and reader pools.
// The schema is applied on construction; every statement is idempotent.
func New(writer, reader *sqlx.DB) (*Store, error) {
	if err := db.ApplySchema(writer); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: writer, ro: reader}, nil
}

// Open opens the database at path and returns a ready Store.
func Open(path string) (*Store, error) {
	writer, err := db.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	reader, err := db.OpenSQLiteReader(path)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return New(writer, reader)
}

// Close closes both connection pools.
func (s *Store) Close() error {
	roErr := s.ro.Close()
	if err := s.db.Close(); err != nil {
		return err
	}
	return roErr
}
