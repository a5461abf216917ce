package operator

import "errors"

// ErrInvalidLifecycleTransition is raised when a control method is called
// in a state that does not admit it (e.g. signalResume while Running).
var ErrInvalidLifecycleTransition = errors.New("operator: invalid lifecycle transition")

// ErrInvalidConfiguration is raised by New for workerCount <= 0, a nil
// global network or trainer, a replica count that differs from
// workerCount, or a worker that fails to construct. A nil handler is
// accepted, and no hook attach/detach path raises this error.
var ErrInvalidConfiguration = errors.New("operator: invalid configuration")

// ErrDependencyViolation is raised when detaching a hook with live
// dependents, or attaching a hook whose required-hook set contains a cycle.
var ErrDependencyViolation = errors.New("operator: dependency violation")
