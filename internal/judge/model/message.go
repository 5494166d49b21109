package model

// CompileJob is the payload carried on the compile stream.
type CompileJob struct {
	SubmissionID string `json:"submission_id"`
	ArchivePath  string `json:"archive_path"`
	Language     string `json:"language,omitempty"`
}

// RunJob is the payload carried on the run stream. The producer (the compile
// worker, or the coordinator on revival) resolves the problem's limits when
// it enqueues so the judge never needs a cross-service lookup on the hot path.
type RunJob struct {
	SubmissionID   string `json:"submission_id"`
	ProblemID      string `json:"problem_id"`
	TimeLimitMs    int64  `json:"time_limit_ms"`
	MemoryLimitKB  int64  `json:"memory_limit_kb"`
	MaxThreads     int64  `json:"max_threads"`
	NetworkAllowed bool   `json:"network_allowed"`
	NumCases       int    `json:"num_cases"`
	PartialScoring bool   `json:"partial_scoring,omitempty"`
	MaxScore       int    `json:"max_score,omitempty"`
}
