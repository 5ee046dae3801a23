package linkplan

import "errors"

var (
	// ErrPrerequisite means the silo is not ready to plan: fewer than two
	// approved, content-complete pages. Surfaced synchronously; the job
	// never starts.
	ErrPrerequisite = errors.New("prerequisites unmet: not enough approved pages")

	// ErrPlanActive means a planning run is already executing for the
	// scope. The trigger is rejected, not queued.
	ErrPlanActive = errors.New("a planning run is already active for this scope")

	// ErrNotFound is returned when a page or link does not exist.
	ErrNotFound = errors.New("not found")

	// ErrMandatoryLink means a mandatory child-to-parent link was targeted
	// by an operation that only applies to optional links.
	ErrMandatoryLink = errors.New("mandatory links cannot be removed")

	// ErrSiloIntegrity means an edge crossed a silo boundary. This is a
	// bug-class condition: the selector constructs edges within one silo,
	// so observing it aborts the run.
	ErrSiloIntegrity = errors.New("silo integrity violation")
)
