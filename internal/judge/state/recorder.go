// Package state is the only durable-write surface the judging core touches.
// It exposes the handful of transitions and rows the workers mutate; schema
// design belongs to the gateway.
package state

import (
	"context"

	"arbiter/internal/judge/model"
	"arbiter/internal/judge/verdict"
)

// Recorder is the narrow write interface the workers drive.
type Recorder interface {
	// GetState returns the current lifecycle state of a submission.
	GetState(ctx context.Context, submissionID string) (model.State, error)

	// TransitionState compare-and-sets the submission state. It reports
	// false without error when the current state does not match `from`, so
	// duplicate deliveries never regress a submission.
	TransitionState(ctx context.Context, submissionID string, from, to model.State) (bool, error)

	// MarkCompiled transitions to compiled and stamps compiled_at.
	MarkCompiled(ctx context.Context, submissionID string, from model.State) (bool, error)

	// SetCompilationLog stores the size-capped compiler output blob.
	SetCompilationLog(ctx context.Context, submissionID, log string) error

	// InsertCaseResult inserts one write-once per-case row keyed on
	// (submission, ordinal). Re-inserting the same ordinal is a no-op.
	InsertCaseResult(ctx context.Context, submissionID string, r verdict.CaseResult) error

	// Finalize compare-and-sets the submission into its terminal state and
	// writes the summary fields in one transaction. Applying it twice is a
	// no-op reported as false.
	Finalize(ctx context.Context, submissionID string, from model.State, s verdict.Summary) (bool, error)
}

// compilationLogCap bounds the stored compiler output.
const compilationLogCap = 64 * 1024

// caseCommentCap bounds the stored checker comment.
const caseCommentCap = 256
