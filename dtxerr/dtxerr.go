// Package dtxerr is the DTX engine's error taxonomy (spec.md §7).
//
// Every sentinel below is one of the "semantic kinds" spec.md §7 names;
// Classify maps an arbitrary error (including ones already wrapped by
// github.com/pkg/errors) back onto its Kind so callers can apply the
// propagation policy in spec.md §7 without a chain of type switches at
// every call site.
package dtxerr

import (
	"github.com/pkg/errors"
)

// Kind is the semantic classification of an error, independent of the
// concrete sentinel that produced it.
type Kind int

const (
	KindUnknown Kind = iota
	KindRetryableLocal
	KindRetryableGlobal
	KindAlreadyDone
	KindMembership
	KindDataIntegrity
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindRetryableLocal:
		return "RETRYABLE_LOCAL"
	case KindRetryableGlobal:
		return "RETRYABLE_GLOBAL"
	case KindAlreadyDone:
		return "ALREADY_DONE"
	case KindMembership:
		return "MEMBERSHIP"
	case KindDataIntegrity:
		return "DATA_INTEGRITY"
	case KindProtocol:
		return "PROTOCOL"
	default:
		return "UNKNOWN"
	}
}

// Sentinel errors, one per row of spec.md §7's taxonomy table.
var (
	// Retryable-local
	ErrAgain = errors.New("dtx: again")
	ErrNoMem = errors.New("dtx: out of memory")

	// Retryable-global
	ErrInProgress = errors.New("dtx: in progress")
	ErrTimedOut   = errors.New("dtx: timed out")
	ErrOOG        = errors.New("dtx: out of group (network)")
	ErrHG         = errors.New("dtx: hg (network)")
	ErrStale      = errors.New("dtx: stale pool-map version")

	// Already-done
	ErrAlready  = errors.New("dtx: already done")
	ErrNonexist = errors.New("dtx: entry does not exist")

	// Membership
	ErrExcluded = errors.New("dtx: target excluded")
	ErrShutdown = errors.New("dtx: shutting down")
	ErrCanceled = errors.New("dtx: canceled")

	// Data integrity
	ErrDataLoss    = errors.New("dtx: data loss (corrupted entry)")
	ErrTXUncertain = errors.New("dtx: uncertain, cannot decide")

	// Protocol
	ErrProto    = errors.New("dtx: protocol error")
	ErrInval    = errors.New("dtx: invalid argument")
	ErrNoPerm   = errors.New("dtx: not permitted (budget exceeded)")
	ErrIO       = errors.New("dtx: io error")
	ErrOverflow = errors.New("dtx: overflow")
	ErrEpochOld = errors.New("dtx: epoch too old (already aggregated)")
)

var kindOf = map[error]Kind{
	ErrAgain:       KindRetryableLocal,
	ErrNoMem:       KindRetryableLocal,
	ErrInProgress:  KindRetryableGlobal,
	ErrTimedOut:    KindRetryableGlobal,
	ErrOOG:         KindRetryableGlobal,
	ErrHG:          KindRetryableGlobal,
	ErrStale:       KindRetryableGlobal,
	ErrAlready:     KindAlreadyDone,
	ErrNonexist:    KindAlreadyDone,
	ErrExcluded:    KindMembership,
	ErrShutdown:    KindMembership,
	ErrCanceled:    KindMembership,
	ErrDataLoss:    KindDataIntegrity,
	ErrTXUncertain: KindDataIntegrity,
	ErrProto:       KindProtocol,
	ErrInval:       KindProtocol,
	ErrNoPerm:      KindProtocol,
	ErrIO:          KindProtocol,
	ErrOverflow:    KindProtocol,
	ErrEpochOld:    KindProtocol,
}

// Classify returns the Kind of err, walking Cause() wrappers applied by
// github.com/pkg/errors. Unrecognized errors classify as KindUnknown.
func Classify(err error) Kind {
	for cause := err; cause != nil; cause = errors.Cause(cause) {
		if k, ok := kindOf[cause]; ok {
			return k
		}
		if errors.Cause(cause) == cause {
			break
		}
	}
	return KindUnknown
}

// IsBenign reports whether err is one of the "sender must not treat
// this as a hard failure" sentinels named throughout spec.md §4.4/§7:
// NONEXIST, EXCLUDED and ALREADY all mean "already done / gone /
// never existed", not failure.
func IsBenign(err error) bool {
	if err == nil {
		return true
	}
	switch errors.Cause(err) {
	case ErrNonexist, ErrExcluded, ErrAlready:
		return true
	}
	return false
}

// Is reports whether err (possibly wrapped) is target.
func Is(err, target error) bool {
	return errors.Cause(err) == target
}

// Wrap attaches a message and stack trace to err, mirroring
// github.com/pkg/errors.Wrap; a thin re-export so callers only ever
// import dtxerr, not pkg/errors, for this package's own sentinels.
func Wrap(err error, msg string) error {
	return errors.Wrap(err, msg)
}

// Wrapf is Wrap with a format string.
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}
