package markingcode

import (
	"markhub/internal/core/apperror"
)

// Transition names an edge of the status machine.
type Transition string

const (
	// TransitionCreate is written as the first revision of every code.
	TransitionCreate       Transition = "create"
	TransitionReserve      Transition = "reserve"
	TransitionComplete     Transition = "complete"
	TransitionCancel       Transition = "cancel"
	TransitionReturn       Transition = "return"
	TransitionDecommission Transition = "decommission"
	TransitionRestore      Transition = "restore"
)

type edge struct {
	from []Status
	to   Status
	// link: the target revision carries the order link of the request.
	link bool
	// keep: the target revision keeps the link of the source revision.
	keep bool
}

var transitions = map[Transition]edge{
	TransitionReserve:      {from: []Status{StatusNew, StatusReturn}, to: StatusProcess, link: true},
	TransitionComplete:     {from: []Status{StatusProcess}, to: StatusDone, keep: true},
	TransitionCancel:       {from: []Status{StatusProcess}, to: StatusNew},
	TransitionReturn:       {from: []Status{StatusProcess}, to: StatusReturn},
	TransitionDecommission: {from: []Status{StatusNew, StatusReturn}, to: StatusDecommission},
	TransitionRestore:      {from: []Status{StatusDecommission}, to: StatusNew},
}

// Target returns the status reached by t from `from`, or an
// INVALID_TRANSITION error when the edge does not exist.
func (t Transition) Target(from Status) (Status, error) {
	e, ok := transitions[t]
	if !ok {
		return "", apperror.NewInvalidTransition(string(t), string(from))
	}
	for _, s := range e.from {
		if s == from {
			return e.to, nil
		}
	}
	return "", apperror.NewInvalidTransition(string(t), string(from))
}

// Allowed reports whether t can be applied from status.
func (t Transition) Allowed(from Status) bool {
	_, err := t.Target(from)
	return err == nil
}

// Terminal statuses have no outgoing transitions. Done and Error are
// terminal; an Error code may still be deleted, which removes it without
// writing a revision.
func (s Status) Terminal() bool {
	for _, e := range transitions {
		for _, f := range e.from {
			if f == s {
				return false
			}
		}
	}
	return true
}

// Deletable reports whether a code in s may be removed, provided it was
// never linked to an order.
func (s Status) Deletable() bool {
	return s == StatusNew || s == StatusError
}

// Transitions lists every named transition except create.
func Transitions() []Transition {
	return []Transition{
		TransitionReserve, TransitionComplete, TransitionCancel,
		TransitionReturn, TransitionDecommission, TransitionRestore,
	}
}
