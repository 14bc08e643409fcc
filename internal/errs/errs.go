// Package errs defines the error taxonomy shared by every callm component.
//
// Each error carries a Kind. errors.Is matches an *Error against the sentinel
// of its kind (ErrLoad, ErrTemplate, ...) as well as against its cause, so
// callers can test either the broad category or a specific condition such as
// ErrNoTemplate.
package errs

import (
	"errors"
	"fmt"
)

type Kind uint8

const (
	KindUnknown Kind = iota
	KindLoad
	KindDevice
	KindTokenizer
	KindTemplate
	KindRuntime
	KindSampling
	KindInvalidConfig
)

func (k Kind) String() string {
	switch k {
	case KindLoad:
		return "load error"
	case KindDevice:
		return "device error"
	case KindTokenizer:
		return "tokenizer error"
	case KindTemplate:
		return "template error"
	case KindRuntime:
		return "runtime error"
	case KindSampling:
		return "sampling error"
	case KindInvalidConfig:
		return "invalid config"
	default:
		return "error"
	}
}

// Kind sentinels.
var (
	ErrLoad          = errors.New(KindLoad.String())
	ErrDevice        = errors.New(KindDevice.String())
	ErrTokenizer     = errors.New(KindTokenizer.String())
	ErrTemplate      = errors.New(KindTemplate.String())
	ErrRuntime       = errors.New(KindRuntime.String())
	ErrSampling      = errors.New(KindSampling.String())
	ErrInvalidConfig = errors.New(KindInvalidConfig.String())
)

// Specific conditions, always wrapped in an *Error of the listed kind.
var (
	// ErrNoTemplate (template) means the model declares no chat template and
	// the fallback policy forbids rendering without one.
	ErrNoTemplate = errors.New("model has no chat template")
	// ErrInvalidRole (template) means a message role is outside system/user/assistant.
	ErrInvalidRole = errors.New("invalid message role")
	// ErrCacheSkew (runtime) means KV cache layers disagree on their length.
	ErrCacheSkew = errors.New("kv cache layers have different lengths")
	// ErrContextOverflow (runtime) means a forward pass would exceed the context window.
	ErrContextOverflow = errors.New("context window exceeded")
	// ErrBusy (runtime) means a pipeline already has a generation in flight.
	ErrBusy = errors.New("pipeline is busy")
	// ErrNotLoaded (runtime) means the pipeline was built without loading a model.
	ErrNotLoaded = errors.New("model not loaded")
)

func (k Kind) sentinel() error {
	switch k {
	case KindLoad:
		return ErrLoad
	case KindDevice:
		return ErrDevice
	case KindTokenizer:
		return ErrTokenizer
	case KindTemplate:
		return ErrTemplate
	case KindRuntime:
		return ErrRuntime
	case KindSampling:
		return ErrSampling
	case KindInvalidConfig:
		return ErrInvalidConfig
	default:
		return nil
	}
}

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if s := e.Kind.sentinel(); s != nil {
		out = append(out, s)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// E builds an *Error. If err is already classified with the same kind it is
// returned unchanged so repeated wrapping does not stack prefixes.
func E(kind Kind, op string, err error) error {
	var existing *Error
	if errors.As(err, &existing) && existing.Kind == kind {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an *Error with a formatted cause. %w is honoured.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err is classified with kind.
func Is(err error, kind Kind) bool {
	s := kind.sentinel()
	return s != nil && errors.Is(err, s)
}
