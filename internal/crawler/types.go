package crawler

import (
	"fmt"
	"sort"
	"time"
)

// Status is the terminal outcome recorded for a task.
type Status string

// Result status values persisted in the output file.
const (
	StatusSuccess        Status = "success"
	StatusPartialSuccess Status = "partial_success"
	StatusNotFound       Status = "not_found"
	StatusTimeout        Status = "timeout"
	StatusClientError    Status = "client_error"
	StatusServerError    Status = "server_error"
	StatusSkipped        Status = "skipped"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusSuccess, StatusPartialSuccess, StatusNotFound, StatusTimeout,
		StatusClientError, StatusServerError, StatusSkipped:
		return true
	default:
		return false
	}
}

// Failed reports whether the status represents an infrastructure or input failure
// rather than a page that loaded.
func (s Status) Failed() bool {
	switch s {
	case StatusTimeout, StatusClientError, StatusServerError:
		return true
	default:
		return false
	}
}

// Task is one unit of extraction work identified by its source URL.
type Task struct {
	// ID is the source URL; it is unique within a run.
	ID string
	// Payload carries the remaining input columns verbatim.
	Payload map[string]string
	// Row is the 1-based data row the task was read from, for diagnostics.
	Row int
}

// Result is the terminal outcome of a Task. It is built once by the retry
// controller and never modified afterwards.
type Result struct {
	TaskID      string
	Status      Status
	Fields      map[string]string
	Attempts    int
	Notes       []string
	CompletedAt time.Time
}

// Field returns the extracted value for name and whether it was found.
func (r Result) Field(name string) (string, bool) {
	v, ok := r.Fields[name]
	return v, ok && v != ""
}

// FieldNames returns the sorted names of the fields present on r.
func (r Result) FieldNames() []string {
	names := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// DeriveStatus maps the extracted fields onto success, partial success or not found.
func DeriveStatus(expected []string, fields map[string]string) Status {
	if len(expected) == 0 {
		if len(fields) > 0 {
			return StatusSuccess
		}
		return StatusNotFound
	}
	found := 0
	for _, name := range expected {
		if v, ok := fields[name]; ok && v != "" {
			found++
		}
	}
	switch {
	case found == len(expected):
		return StatusSuccess
	case found > 0:
		return StatusPartialSuccess
	default:
		return StatusNotFound
	}
}

// Attempt records one failed iteration of the retry loop. It is never
// persisted; its Note is.
type Attempt struct {
	Number int
	Err    error
	Class  FailureClass
}

// NewAttempt classifies err as the outcome of attempt number n.
func NewAttempt(n int, err error) Attempt {
	return Attempt{Number: n, Err: err, Class: Classify(err)}
}

// Note renders the attempt for Result.Notes.
func (a Attempt) Note() string {
	return fmt.Sprintf("attempt %d failed (%s): %v", a.Number, a.Class, a.Err)
}

// ExhaustedStatus is the status of a task whose last attempt was a.
func (a Attempt) ExhaustedStatus() Status {
	if a.Class == FailureTimeout {
		return StatusTimeout
	}
	return StatusServerError
}

// CheckpointSet is the set of results already persisted plus their ids.
type CheckpointSet struct {
	IDs     map[string]struct{}
	Results []Result
}

// NewCheckpointSet builds a set from results, dropping later duplicates so that
// IDs always matches the result ids one to one.
func NewCheckpointSet(results []Result) CheckpointSet {
	set := CheckpointSet{
		IDs:     make(map[string]struct{}, len(results)),
		Results: make([]Result, 0, len(results)),
	}
	for _, r := range results {
		if r.TaskID == "" {
			continue
		}
		if _, dup := set.IDs[r.TaskID]; dup {
			continue
		}
		set.IDs[r.TaskID] = struct{}{}
		set.Results = append(set.Results, r)
	}
	return set
}

// Contains reports whether id already has a result.
func (s CheckpointSet) Contains(id string) bool {
	_, ok := s.IDs[id]
	return ok
}

// Len returns the number of checkpointed results.
func (s CheckpointSet) Len() int {
	return len(s.Results)
}
