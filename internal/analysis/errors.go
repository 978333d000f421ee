// Package analysis runs the two-stage pipeline: classify the submission into a
// category, then extract a typed payload for that category.
package analysis

import "errors"

var (
	// ErrClassification is a stage 1 failure. It is logged and replaced by the
	// keyword fallback, never returned to callers of Executor.Run.
	ErrClassification = errors.New("classification failed")
	// ErrExtraction is a stage 2 failure and fails the job.
	ErrExtraction = errors.New("extraction failed")
)

// Input is the content submitted for analysis.
type Input struct {
	Description    string
	ImageReference string
}
