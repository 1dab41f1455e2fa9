package model

import "time"

// BreakerSnapshot is a point-in-time view of a circuit breaker.
type BreakerSnapshot struct {
	Name            string     `json:"name"`
	State           string     `json:"state"`
	FailureCount    int        `json:"failure_count"`
	SuccessCount    int        `json:"success_count"`
	LastFailureTime *time.Time `json:"last_failure_time,omitempty"`
}

// BreakerTransition describes a state change of a circuit breaker.
type BreakerTransition struct {
	Name string
	From string
	To   string
	At   time.Time
}
