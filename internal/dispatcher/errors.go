package dispatcher

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/dgram/internal/protocol/session"
)

var (
	ErrTransport      = errors.New("dispatcher: transport failure")
	ErrNotServing     = errors.New("dispatcher: not serving")
	ErrAlreadyServing = errors.New("dispatcher: already serving")
	ErrClosed         = errors.New("dispatcher: closed")
	ErrNilSession     = errors.New("dispatcher: nil session")
)

// SendFailure is one undelivered broadcast target.
type SendFailure struct {
	Session *session.Session
	Err     error
}

// BroadcastError lists the peers a broadcast could not reach. Peers not
// listed were sent to.
type BroadcastError struct {
	Attempted int
	Failures  []SendFailure
}

func (e *BroadcastError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Session, f.Err))
	}
	return fmt.Sprintf(
		"dispatcher: broadcast failed for %d of %d peers: %s",
		len(e.Failures),
		e.Attempted,
		strings.Join(parts, "; "),
	)
}

func (e *BroadcastError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.Err)
	}
	return out
}
