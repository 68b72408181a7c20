package cscp

import "fmt"

// ArgumentError is returned by a handler when the request payload does not
// match the argument types it expects; the dispatcher maps it to
// ResultIncomplete (spec.md §4.4 step 4).
type ArgumentError struct {
	Verb   string
	Reason string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Verb, e.Reason)
}

// NotImplementedError is returned by a handler that exists as a
// registration but has no working implementation; maps to
// ResultNotImplemented.
type NotImplementedError struct {
	Verb string
}

func (e *NotImplementedError) Error() string {
	return fmt.Sprintf("%s is not implemented", e.Verb)
}
