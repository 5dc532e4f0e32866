package task

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by store lookups for missing rows. Callers
// test with errors.Is.
var ErrNotFound = errors.New("not found")

// LimitExceededError reports an enqueue rejected by per-user quota.
// It carries the counts the caller surfaces to the user instead of a
// generic failure.
type LimitExceededError struct {
	TasksUsed        int    `json:"tasks_used"`
	TasksLimit       int    `json:"tasks_limit"`
	RunningCount     int    `json:"running_count"`
	ConcurrencyLimit int    `json:"concurrency_limit"`
	Message          string `json:"message"`
}

func (e *LimitExceededError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("task limit exceeded: %d/%d tasks this month, %d/%d running",
		e.TasksUsed, e.TasksLimit, e.RunningCount, e.ConcurrencyLimit)
}

// AsLimitExceeded unwraps err to a LimitExceededError when one is in
// the chain.
func AsLimitExceeded(err error) (*LimitExceededError, bool) {
	var lim *LimitExceededError
	if errors.As(err, &lim) {
		return lim, true
	}
	return nil, false
}
