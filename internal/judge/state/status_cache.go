package state

import (
	"context"
	"encoding/json"
	"time"

	"arbiter/internal/common/cache"
	"arbiter/internal/judge/model"
	appErr "arbiter/pkg/errors"
)

const statusKeyPrefix = "judge:status:"

// Status is the progress snapshot mirrored to the cache for the status
// endpoint. It is advisory; the relational store stays authoritative.
type Status struct {
	SubmissionID string      `json:"submission_id"`
	State        model.State `json:"state"`
	Score        int         `json:"score,omitempty"`
	TotalCases   int         `json:"total_cases,omitempty"`
	DoneCases    int         `json:"done_cases,omitempty"`
	MaxTimeMs    int64       `json:"max_time_ms,omitempty"`
	MaxMemoryKB  int64       `json:"max_memory_kb,omitempty"`
	UpdatedAt    int64       `json:"updated_at"`
}

// StatusCache mirrors submission progress into Redis.
type StatusCache struct {
	cache cache.Cache
	ttl   time.Duration
}

// NewStatusCache creates a status cache.
func NewStatusCache(cacheClient cache.Cache, ttl time.Duration) *StatusCache {
	return &StatusCache{cache: cacheClient, ttl: ttl}
}

// Get returns the cached status for a submission.
func (s *StatusCache) Get(ctx context.Context, submissionID string) (Status, error) {
	if submissionID == "" {
		return Status{}, appErr.ValidationError("submission_id", "required")
	}
	val, err := s.cache.Get(ctx, statusKeyPrefix+submissionID)
	if err != nil || val == "" {
		return Status{}, appErr.New(appErr.NotFound).WithMessage("submission status not found")
	}
	var status Status
	if err := json.Unmarshal([]byte(val), &status); err != nil {
		return Status{}, appErr.Wrapf(err, appErr.CacheError, "decode status failed")
	}
	return status, nil
}

// Save persists a status snapshot. Best-effort callers ignore the error.
func (s *StatusCache) Save(ctx context.Context, status Status) error {
	if status.SubmissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	status.UpdatedAt = time.Now().Unix()
	data, err := json.Marshal(status)
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "encode status failed")
	}
	if err := s.cache.Set(ctx, statusKeyPrefix+status.SubmissionID, string(data), s.ttl); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "store status failed")
	}
	return nil
}
