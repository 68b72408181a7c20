package chirp

import "errors"

// ErrMalformed is returned (wrapped) when a received CHIRP packet fails the
// length or magic check of spec.md §4.2. It is a ProtocolError in the
// taxonomy of spec.md §7: the listener logs it at WARNING and continues.
var ErrMalformed = errors.New("malformed CHIRP packet")
