package dispatcher

import "github.com/octocrew/sandboxforge/internal/jobs"

// ConcurrencyLimits defines max concurrent jobs per type.
// These can be made configurable via config.Config if needed.
var ConcurrencyLimits = map[jobs.JobType]int{
	jobs.JobTypeSessionInit:   4, // sandbox creation is I/O bound, allow several in parallel
	jobs.JobTypeSessionDelete: 8, // teardown is fast, allow more
	jobs.JobTypeSessionCommit: 4,
	jobs.JobTypeWorkspaceInit: 4,
}

// DefaultConcurrencyLimit is used for job types not in ConcurrencyLimits.
const DefaultConcurrencyLimit = 1

// GetConcurrencyLimit returns the concurrency limit for a job type.
// Returns DefaultConcurrencyLimit if not explicitly configured.
func GetConcurrencyLimit(jobType jobs.JobType) int {
	if limit, ok := ConcurrencyLimits[jobType]; ok {
		return limit
	}
	return DefaultConcurrencyLimit
}
