// Package step defines how a build step reports its result to the orchestrator
// that invokes it: done, retry later, or failed for good.
package step

import (
	"errors"
	"fmt"
)

// ErrRetry marks a transient condition. The orchestrator re-invokes the step
// after its own backoff; the step itself never waits.
var ErrRetry = errors.New("retry")

// Retryf returns an error wrapping ErrRetry with a formatted reason.
func Retryf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrRetry, fmt.Sprintf(format, args...))
}

// FatalError reports a terminal status that can never resolve by retrying.
type FatalError struct {
	Subject string // document URI, job id, ...
	Status  string
	Msg     string
}

func (e *FatalError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Subject, e.Status)
}

// Kind is the three-way classification of a step invocation.
type Kind int

const (
	KindDone Kind = iota
	KindRetry
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindDone:
		return "done"
	case KindRetry:
		return "retry"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is the result of one step invocation.
type Outcome struct {
	Kind   Kind   `json:"-"`
	Reason string `json:"reason,omitempty"`

	// Subject and Status name the terminal status behind a Fatal outcome,
	// when there is one.
	Subject string `json:"-"`
	Status  string `json:"-"`
}

// Done reports completion.
func Done() Outcome { return Outcome{Kind: KindDone} }

// Retry reports that the step must be invoked again later.
func Retry(reason string) Outcome { return Outcome{Kind: KindRetry, Reason: reason} }

// Fatal reports a terminal failure.
func Fatal(reason string) Outcome { return Outcome{Kind: KindFatal, Reason: reason} }

// FatalStatus reports that subject reached the terminal status.
func FatalStatus(subject, status, reason string) Outcome {
	return Outcome{Kind: KindFatal, Reason: reason, Subject: subject, Status: status}
}

func (o Outcome) IsDone() bool  { return o.Kind == KindDone }
func (o Outcome) IsRetry() bool { return o.Kind == KindRetry }
func (o Outcome) IsFatal() bool { return o.Kind == KindFatal }

func (o Outcome) String() string {
	if o.Reason == "" {
		return o.Kind.String()
	}
	return o.Kind.String() + ": " + o.Reason
}

// Err converts the outcome back to an error: nil for Done, an ErrRetry
// wrapper for Retry and a FatalError for Fatal.
func (o Outcome) Err() error {
	switch o.Kind {
	case KindDone:
		return nil
	case KindRetry:
		return Retryf("%s", o.Reason)
	default:
		return &FatalError{Subject: o.Subject, Status: o.Status, Msg: o.Reason}
	}
}

// Classify maps an error returned by a step to its outcome. Anything that is
// not an ErrRetry is fatal; the error text is kept unmodified as the reason.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return Done()
	case errors.Is(err, ErrRetry):
		return Retry(err.Error())
	default:
		out := Fatal(err.Error())
		var fe *FatalError
		if errors.As(err, &fe) {
			out.Subject, out.Status = fe.Subject, fe.Status
		}
		return out
	}
}
