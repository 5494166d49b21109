package state

import (
	"context"

	"arbiter/internal/common/db"
	"arbiter/internal/judge/model"
	"arbiter/internal/judge/verdict"
	appErr "arbiter/pkg/errors"
)

// MySQLRecorder implements Recorder on the relational store shared with the
// gateway.
type MySQLRecorder struct {
	db db.Database
}

// NewMySQLRecorder creates a recorder.
func NewMySQLRecorder(database db.Database) *MySQLRecorder {
	return &MySQLRecorder{db: database}
}

func (r *MySQLRecorder) GetState(ctx context.Context, submissionID string) (model.State, error) {
	if submissionID == "" {
		return "", appErr.ValidationError("submission_id", "required")
	}
	var state string
	err := r.db.QueryRow(ctx,
		"SELECT state FROM submissions WHERE id = ?", submissionID,
	).Scan(&state)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.DatabaseError, "read submission state failed")
	}
	return model.State(state), nil
}

func (r *MySQLRecorder) TransitionState(ctx context.Context, submissionID string, from, to model.State) (bool, error) {
	if submissionID == "" {
		return false, appErr.ValidationError("submission_id", "required")
	}
	res, err := r.db.Exec(ctx,
		"UPDATE submissions SET state = ? WHERE id = ? AND state = ?",
		string(to), submissionID, string(from),
	)
	if err != nil {
		return false, appErr.Wrapf(err, appErr.DatabaseError, "transition state failed")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, appErr.Wrapf(err, appErr.DatabaseError, "read rows affected failed")
	}
	return affected > 0, nil
}

func (r *MySQLRecorder) MarkCompiled(ctx context.Context, submissionID string, from model.State) (bool, error) {
	res, err := r.db.Exec(ctx,
		"UPDATE submissions SET state = ?, compiled_at = NOW(3) WHERE id = ? AND state = ?",
		string(model.StateCompiled), submissionID, string(from),
	)
	if err != nil {
		return false, appErr.Wrapf(err, appErr.DatabaseError, "mark compiled failed")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, appErr.Wrapf(err, appErr.DatabaseError, "read rows affected failed")
	}
	return affected > 0, nil
}

func (r *MySQLRecorder) SetCompilationLog(ctx context.Context, submissionID, log string) error {
	if len(log) > compilationLogCap {
		log = log[:compilationLogCap]
	}
	_, err := r.db.Exec(ctx,
		"UPDATE submissions SET compilation_log = ? WHERE id = ?",
		log, submissionID,
	)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "store compilation log failed")
	}
	return nil
}

func (r *MySQLRecorder) InsertCaseResult(ctx context.Context, submissionID string, c verdict.CaseResult) error {
	comment := c.Comment
	if len(comment) > caseCommentCap {
		comment = comment[:caseCommentCap]
	}
	// The (submission_id, ordinal) unique key makes the row write-once; a
	// duplicate delivery's insert collapses into a no-op.
	_, err := r.db.Exec(ctx,
		`INSERT INTO submission_cases
		   (submission_id, ordinal, verdict, time_ms, memory_kb, comment, output_digest)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE ordinal = ordinal`,
		submissionID, c.Ordinal, string(c.Verdict), c.TimeMs, c.MemoryKB, comment, c.Output,
	)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "insert case result failed")
	}
	return nil
}

func (r *MySQLRecorder) Finalize(ctx context.Context, submissionID string, from model.State, s verdict.Summary) (bool, error) {
	applied := false
	err := r.db.Transaction(ctx, func(tx db.Transaction) error {
		res, err := tx.Exec(ctx,
			`UPDATE submissions
			    SET state = ?, score = ?, max_time_ms = ?, max_memory_kb = ?,
			        passed_cases = ?, total_cases = ?, judged_at = NOW(3)
			  WHERE id = ? AND state = ?`,
			string(verdictToState(s.Verdict)), s.Score, s.MaxTimeMs, s.MaxMemoryKB,
			s.PassedCount, s.TotalCases, submissionID, string(from),
		)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		applied = affected > 0
		return nil
	})
	if err != nil {
		return false, appErr.Wrapf(err, appErr.TransactionFailed, "finalize submission failed")
	}
	return applied, nil
}

// verdictToState maps an aggregated verdict to the submission FSM state.
// Partial credit finalizes as accepted-with-score per the scoring rules.
func verdictToState(v verdict.Verdict) model.State {
	switch v {
	case verdict.Accepted, verdict.PartialCredit:
		return model.StateAccepted
	case verdict.WrongAnswer:
		return model.StateWrongAnswer
	case verdict.TimeLimit:
		return model.StateTimeLimit
	case verdict.MemoryLimit:
		return model.StateMemoryLimit
	case verdict.RuntimeError:
		return model.StateRuntimeError
	case verdict.OutputLimit:
		return model.StateOutputLimit
	default:
		return model.StateSystemError
	}
}

var _ Recorder = (*MySQLRecorder)(nil)
