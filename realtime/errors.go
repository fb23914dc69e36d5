package realtime

import (
	"errors"
	"fmt"
)

// failure taxonomy of the sync core. transport and codec failures are
// recovered locally and never reach the rendering path; commit conflicts are
// the only class the user must see.

var ErrNotConnected = errors.New("bus not connected")

var ErrStaleBinding = errors.New("message for an abandoned topic binding")

var ErrSelectionLocked = errors.New("selection is locked by another participant")

// client-side capacity guard. not a failure, a disabled affordance; the
// server independently rejects over-capacity commits.
var ErrCapacityExceeded = errors.New("participant capacity reached")

// a payload that failed one of the decode stages. the message is dropped
// and no cache mutation is applied.
type CodecError struct {
	Stage string
	Err   error
}

func (self *CodecError) Error() string {
	return fmt.Sprintf("codec %s: %s", self.Stage, self.Err)
}

func (self *CodecError) Unwrap() error {
	return self.Err
}

// the server rejected a finalize, e.g. capacity exceeded concurrently.
// the lock has been released with an UNLOCKED broadcast by the time the
// caller sees this.
type CommitConflictError struct {
	Err error
}

func (self *CommitConflictError) Error() string {
	return fmt.Sprintf("participant commit rejected: %s", self.Err)
}

func (self *CommitConflictError) Unwrap() error {
	return self.Err
}
