// Package storage persists request/response log records. It provides a
// file-based NDJSON backend, a relational backend (SQLite or Postgres),
// and a composite backend that fails over or broadcasts across both.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrLockTimeout is returned when the file backend cannot acquire
	// the advisory lock within its retry budget.
	ErrLockTimeout = errors.New("lock acquisition timed out")
)

// Direction indicates whether a record describes traffic received by this
// process or traffic it sent out.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Record is one captured request/response pair. Records are immutable once
// stored; IsMarked and Comment are honored by the relational backend only.
type Record struct {
	RequestID       string            `json:"request_id"`
	Direction       Direction         `json:"direction"`
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	RequestHeaders  map[string]string `json:"request_headers,omitempty"`
	RequestBody     *string           `json:"request_body,omitempty"`
	ResponseCode    int               `json:"response_code"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	ResponseBody    *string           `json:"response_body,omitempty"`
	ResponseTimeMS  float64           `json:"response_time_ms"`
	UserID          string            `json:"user_id,omitempty"`
	ClientIP        string            `json:"client_ip,omitempty"`
	UserAgent       string            `json:"user_agent,omitempty"`
	Service         string            `json:"service,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	Metadata        map[string]any    `json:"metadata,omitempty"`

	// Relational-only extension. Either exempts the row from Clean.
	IsMarked bool    `json:"is_marked,omitempty"`
	Comment  *string `json:"comment,omitempty"`
}

// NewRecord returns a record with a generated request ID and the current
// time, ready to be filled in by the capture layer.
func NewRecord() *Record {
	return &Record{
		RequestID: uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}
}

// IsError reports whether the record represents a failed exchange.
func (r *Record) IsError() bool {
	return r.ResponseCode >= 400
}

// RetryAttempt returns the retry attempt number from metadata, or 0 when
// the record was not produced by a retry.
func (r *Record) RetryAttempt() int {
	v, ok := r.Metadata["retry_attempt"]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		// JSON round-trips numbers as float64.
		return int(n)
	}
	return 0
}

// Preserved reports whether the record is permanently exempt from cleanup.
// Only the relational backend consults this.
func (r *Record) Preserved() bool {
	return r.IsMarked || (r.Comment != nil && *r.Comment != "")
}

// Stats is a backend-specific statistics report. Every backend includes a
// "storage_type" key identifying itself.
type Stats map[string]any

// Backend is the storage contract consumed by the capture pipeline, the
// cleanup job, and the analytics engine.
type Backend interface {
	// Store persists one record. Failures are non-fatal to the capture
	// path: callers log the returned error and move on.
	Store(ctx context.Context, r *Record) error

	// StoreBatch persists many records and returns how many were written.
	// Partial success is possible; the first error encountered is returned
	// alongside the count.
	StoreBatch(ctx context.Context, recs []*Record) (int, error)

	// Retrieve returns records matching the criteria, newest first.
	Retrieve(ctx context.Context, c Criteria) ([]*Record, error)

	// FindByRequestID returns the first record with the given request ID,
	// or ErrNotFound.
	FindByRequestID(ctx context.Context, id string) (*Record, error)

	// Delete removes records matching the criteria and returns how many
	// were removed.
	Delete(ctx context.Context, c Criteria) (int, error)

	// DeleteByRequestID removes all records with the given request ID.
	DeleteByRequestID(ctx context.Context, id string) (int, error)

	// Clean applies differential retention: records older than normalDays
	// with a response code below 400, and records older than errorDays
	// with a code of 400 or above, are removed. Returns the removed count.
	Clean(ctx context.Context, normalDays, errorDays int) (int, error)

	// Count returns the number of records matching the criteria, ignoring
	// Limit and Offset.
	Count(ctx context.Context, c Criteria) (int, error)

	// IsAvailable reports whether the backend can currently serve requests.
	IsAvailable(ctx context.Context) bool

	// Stats returns backend statistics. Administrative path; may scan.
	Stats(ctx context.Context) (Stats, error)

	Close() error
}
