package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobKind selects the execution recipe a worker applies.
type JobKind string

const (
	KindRender    JobKind = "render"
	KindCharacter JobKind = "character"
)

// Valid reports whether k is a known job kind.
func (k JobKind) Valid() bool {
	return k == KindRender || k == KindCharacter
}

// JobStatus is derived from which store prefix holds the manifest; it is
// never stored in the manifest itself.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusUnknown    JobStatus = "unknown"
)

// NewJobID generates a unique job identifier of shape
// <kind>_<YYYYMMDD>_<HHMMSS>_<random8>. The result always passes CheckSlug.
func NewJobID(kind JobKind) string {
	ts := time.Now().UTC().Format("20060102_150405")
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("%s_%s_%s", kind, ts, suffix)
}

// FailureRecord is the body of the _FAILED sentinel a worker uploads under
// results/<id>/ when a job fails permanently.
type FailureRecord struct {
	Cause   string `json:"cause"`
	Message string `json:"message"`
}

// Store layout. These are the only top-level prefixes; adding one is a
// protocol version bump.
const (
	PendingPrefix    = "jobs/pending/"
	ProcessingPrefix = "jobs/processing/"
	ResultsPrefix    = "results/"
	ScriptsPrefix    = "scripts/"
	AssetsPrefix     = "assets/"
)

// PendingKey returns the store key of a pending manifest.
func PendingKey(id string) string { return PendingPrefix + id + ".json" }

// ProcessingKey returns the store key of a claimed manifest.
func ProcessingKey(id string) string { return ProcessingPrefix + id + ".json" }

// ResultsKey returns the store prefix of a job's output tree.
func ResultsKey(id string) string { return ResultsPrefix + id + "/" }

// FailedSentinel is the object name marking a failed job inside its results
// prefix.
const FailedSentinel = "_FAILED"

// LogName is the captured stdout+stderr of the tool inside the results
// prefix.
const LogName = "log.txt"
