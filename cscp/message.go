// Package cscp implements the Constellation Satellite Control Protocol
// (spec.md §4.4): the request/reply envelope, the explicit command
// registry, and the dispatch algorithm that maps a verb and the current
// lifecycle state onto a reply.
package cscp

import (
	"strings"

	"github.com/desy-constellation/constellation-go/protocol"
)

// VerbResult is the outcome code carried in every CSCP reply.
type VerbResult string

const (
	ResultSuccess        VerbResult = "SUCCESS"
	ResultInvalid        VerbResult = "INVALID"
	ResultNotImplemented VerbResult = "NOTIMPLEMENTED"
	ResultIncomplete     VerbResult = "INCOMPLETE"
	ResultUnknown        VerbResult = "UNKNOWN"
	ResultError          VerbResult = "ERROR"
)

// Request is a decoded CSCP request envelope.
type Request struct {
	Header  protocol.Header
	Verb    string
	Payload any
}

// NormalizedVerb returns the case-folded verb, per the "verb strings are
// case-folded to lowercase" rule of spec.md §4.4.
func (r Request) NormalizedVerb() string {
	return strings.ToLower(r.Verb)
}

// Reply is the encoded outcome of dispatching a Request.
type Reply struct {
	Header  protocol.Header
	Result  VerbResult
	Message string
	Payload any
	Meta    map[string]any
}
