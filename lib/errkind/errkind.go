// Package errkind classifies errors that cross subsystem boundaries into
// the four kinds from the error-handling design: Transient, Policy,
// Invariant, and Fatal. Errors never unwind through the event loop; they
// travel as a classified, tagged oops error inside a completion callback
// or a Status code.
package errkind

import "github.com/samber/oops"

// Kind tags the handling policy for an error.
type Kind string

const (
	// Transient errors are retried with backoff: lookup not found, RPC
	// not connected, path build timeout, session not yet established.
	Transient Kind = "transient"
	// Policy errors are surfaced and dropped: RC not whitelisted,
	// renegotiation rejected, auth denied.
	Policy Kind = "policy"
	// Invariant errors are logged at warn and the offending record is
	// skipped: malformed RC, signature failure, version regression.
	Invariant Kind = "invariant"
	// Fatal errors tear the owning component down: link failed to
	// start, identity key unreadable at startup.
	Fatal Kind = "fatal"
)

// New wraps err with a Kind tag.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return oops.Code(string(kind)).Wrap(err)
}

// Errorf builds a new classified error from a format string.
func Errorf(kind Kind, format string, args ...interface{}) error {
	return oops.Code(string(kind)).Errorf(format, args...)
}

// Is reports whether err was classified with the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// KindOf returns the classified kind of err, or "" if it was never
// tagged by this package.
func KindOf(err error) Kind {
	oerr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	code, _ := oerr.Code().(string)
	return Kind(code)
}
