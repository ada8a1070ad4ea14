package domain

// OnRampStatus is the lifecycle state of a fiat to token session.
type OnRampStatus string

const (
	OnRampCreated          OnRampStatus = "created"
	OnRampAwaitingApproval OnRampStatus = "awaiting_approval"
	OnRampProcessing       OnRampStatus = "processing"
	OnRampCompleted        OnRampStatus = "completed"
	OnRampFailed           OnRampStatus = "failed"
	OnRampRejected         OnRampStatus = "rejected"
)

// OnRampStatuses lists every on-ramp state in lifecycle order.
var OnRampStatuses = []OnRampStatus{
	OnRampCreated,
	OnRampAwaitingApproval,
	OnRampProcessing,
	OnRampCompleted,
	OnRampFailed,
	OnRampRejected,
}

// ParseOnRampStatus returns the status named by s.
func ParseOnRampStatus(s string) (OnRampStatus, bool) {
	st := OnRampStatus(s)
	return st, st.Valid()
}

// Valid reports whether s is a known state.
func (s OnRampStatus) Valid() bool {
	switch s {
	case OnRampCreated, OnRampAwaitingApproval, OnRampProcessing, OnRampCompleted, OnRampFailed, OnRampRejected:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s OnRampStatus) Terminal() bool {
	switch s {
	case OnRampCompleted, OnRampFailed, OnRampRejected:
		return true
	case OnRampCreated, OnRampAwaitingApproval, OnRampProcessing:
		return false
	}
	return false
}

// CanTransitionTo reports whether next is reachable from s in one step.
// A non-terminal state may be rewritten in place to record progress fields.
func (s OnRampStatus) CanTransitionTo(next OnRampStatus) bool {
	if s.Terminal() || !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	if next == OnRampFailed {
		return true
	}
	switch s {
	case OnRampCreated:
		return next == OnRampAwaitingApproval
	case OnRampAwaitingApproval:
		return next == OnRampProcessing || next == OnRampRejected
	case OnRampProcessing:
		return next == OnRampCompleted
	case OnRampCompleted, OnRampFailed, OnRampRejected:
		return false
	}
	return false
}

// OffRampStatus is the lifecycle state of a token to fiat request.
type OffRampStatus string

const (
	OffRampCreated          OffRampStatus = "created"
	OffRampPending          OffRampStatus = "pending"
	OffRampAwaitingApproval OffRampStatus = "awaiting_approval"
	OffRampProcessing       OffRampStatus = "processing"
	OffRampCompleted        OffRampStatus = "completed"
	OffRampFailed           OffRampStatus = "failed"
	OffRampRejected         OffRampStatus = "rejected"
)

// OffRampStatuses lists every off-ramp state in lifecycle order.
var OffRampStatuses = []OffRampStatus{
	OffRampCreated,
	OffRampPending,
	OffRampAwaitingApproval,
	OffRampProcessing,
	OffRampCompleted,
	OffRampFailed,
	OffRampRejected,
}

// ParseOffRampStatus returns the status named by s.
func ParseOffRampStatus(s string) (OffRampStatus, bool) {
	st := OffRampStatus(s)
	return st, st.Valid()
}

// Valid reports whether s is a known state.
func (s OffRampStatus) Valid() bool {
	switch s {
	case OffRampCreated, OffRampPending, OffRampAwaitingApproval, OffRampProcessing, OffRampCompleted, OffRampFailed, OffRampRejected:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s OffRampStatus) Terminal() bool {
	switch s {
	case OffRampCompleted, OffRampFailed, OffRampRejected:
		return true
	case OffRampCreated, OffRampPending, OffRampAwaitingApproval, OffRampProcessing:
		return false
	}
	return false
}

// Open reports whether the request still holds its memo reservation.
func (s OffRampStatus) Open() bool {
	return s.Valid() && !s.Terminal()
}

// CanTransitionTo reports whether next is reachable from s in one step.
func (s OffRampStatus) CanTransitionTo(next OffRampStatus) bool {
	if s.Terminal() || !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	if next == OffRampFailed {
		return true
	}
	switch s {
	case OffRampCreated:
		return next == OffRampPending
	case OffRampPending:
		return next == OffRampAwaitingApproval
	case OffRampAwaitingApproval:
		return next == OffRampProcessing || next == OffRampRejected
	case OffRampProcessing:
		return next == OffRampCompleted
	case OffRampCompleted, OffRampFailed, OffRampRejected:
		return false
	}
	return false
}
