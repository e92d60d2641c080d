// Package persistence provides durable storage of job records. Two interchangeable stores are
// implemented: SQLiteStore for a single local file and PostgresStore for a shared database.
package persistence

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a job
type Status string

// job statuses
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ParseStatus converts string to Status
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("invalid job status %q", s)
}

// IsTerminal reports whether no further transition is allowed
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsActive reports whether the job is pending or running
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusRunning
}

func (s Status) String() string { return string(s) }

// Type tags the kind of work a job does. It is informational only.
type Type string

// job types
const (
	TypeBriefing      Type = "briefing"
	TypeTranscription Type = "transcription"
	TypeExtraction    Type = "extraction"
)

// ParseType converts string to Type
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case TypeBriefing, TypeTranscription, TypeExtraction:
		return t, nil
	}
	return "", fmt.Errorf("invalid job type %q", s)
}

func (t Type) String() string { return string(t) }

// Source tells where the work is executed
type Source string

// job sources
const (
	SourceLocal    Source = "local"
	SourceExternal Source = "external"
)

// ParseSource converts string to Source, empty string means local
func ParseSource(s string) (Source, error) {
	switch src := Source(s); src {
	case SourceLocal, SourceExternal:
		return src, nil
	case "":
		return SourceLocal, nil
	}
	return "", fmt.Errorf("invalid job source %q", s)
}

func (s Source) String() string { return string(s) }

// Blob is an opaque structured value stored as JSON. Its inner shape belongs to the caller.
type Blob map[string]any

// Job is the persisted unit of asynchronous work
type Job struct {
	ID          string
	Type        Type
	Status      Status
	CreatedAt   time.Time
	StartedAt   *time.Time // set on first progress or terminal transition
	CompletedAt *time.Time // set on terminal transition
	Progress    Blob       // overwritten on every update
	Input       Blob       // immutable parameters
	Output      Blob       // set on completion only
	Error       *string    // set on failure or cancellation only
	Source      Source
}

// ListRequest defines parameters of ListRecent
type ListRequest struct {
	Limit  int
	Status Status // optional filter, empty for all
}

// terminalStatuses is the SQL list used by the terminal guard
const terminalStatuses = `('completed', 'failed', 'cancelled')`

var (
	// ErrNotFound returned when a job id does not exist
	ErrNotFound = errors.New("job not found")
	// ErrAlreadyTerminal returned on an attempt to mutate a completed, failed or cancelled job
	ErrAlreadyTerminal = errors.New("job already in terminal state")
	// ErrDuplicateID returned when inserting a job with existing id
	ErrDuplicateID = errors.New("duplicate job id")
)

// StorageError wraps any failure of the underlying store
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// encodeBlob marshals blob to JSON text, nil blob stays nil
func encodeBlob(b Blob) (*string, error) {
	if b == nil {
		return nil, nil
	}
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal json value: %w", err)
	}
	res := string(data)
	return &res, nil
}

// decodeBlob unmarshals JSON text, empty input gives nil blob.
// Numbers are kept as json.Number, so integers above 2^53 survive the round trip.
func decodeBlob(data []byte) (Blob, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var res Blob
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal json value: %w", err)
	}
	return res, nil
}
