package state

import (
	"context"

	"arbiter/internal/common/db"
	"arbiter/internal/judge/model"
	appErr "arbiter/pkg/errors"
)

// ProblemReader sources the per-problem judging parameters the compiler
// stamps onto the run job, so the judge never needs a lookup on its hot
// path.
type ProblemReader interface {
	// GetRunSpec returns a run job skeleton for the submission's problem:
	// problem id, limits, thread and network policy, case count, scoring
	// mode. The submission id field is left empty for the caller to fill.
	GetRunSpec(ctx context.Context, submissionID string) (model.RunJob, error)
}

// MySQLProblemReader implements ProblemReader over the shared schema.
type MySQLProblemReader struct {
	db db.Database

	// Defaults apply when the problem row elides limits.
	DefaultTimeMs   int64
	DefaultMemoryKB int64
}

// NewMySQLProblemReader creates a reader.
func NewMySQLProblemReader(database db.Database, defaultTimeMs, defaultMemoryKB int64) *MySQLProblemReader {
	return &MySQLProblemReader{
		db:              database,
		DefaultTimeMs:   defaultTimeMs,
		DefaultMemoryKB: defaultMemoryKB,
	}
}

func (r *MySQLProblemReader) GetRunSpec(ctx context.Context, submissionID string) (model.RunJob, error) {
	if submissionID == "" {
		return model.RunJob{}, appErr.ValidationError("submission_id", "required")
	}
	var (
		job            model.RunJob
		timeLimitMs    int64
		memoryLimitKB  int64
		maxThreads     int64
		networkAllowed bool
	)
	err := r.db.QueryRow(ctx,
		`SELECT p.id, p.time_limit_ms, p.memory_limit_kb, p.max_threads,
		        p.network_allowed, p.num_cases, p.partial_scoring, p.max_score
		   FROM submissions s
		   JOIN problems p ON p.id = s.problem_id
		  WHERE s.id = ?`, submissionID,
	).Scan(&job.ProblemID, &timeLimitMs, &memoryLimitKB, &maxThreads,
		&networkAllowed, &job.NumCases, &job.PartialScoring, &job.MaxScore)
	if err != nil {
		return model.RunJob{}, appErr.Wrapf(err, appErr.DatabaseError, "read problem limits failed")
	}

	if timeLimitMs <= 0 {
		timeLimitMs = r.DefaultTimeMs
	}
	if memoryLimitKB <= 0 {
		memoryLimitKB = r.DefaultMemoryKB
	}
	if maxThreads <= 0 {
		maxThreads = 1
	}
	job.TimeLimitMs = timeLimitMs
	job.MemoryLimitKB = memoryLimitKB
	job.MaxThreads = maxThreads
	job.NetworkAllowed = networkAllowed
	return job, nil
}

var _ ProblemReader = (*MySQLProblemReader)(nil)
