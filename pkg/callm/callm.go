// Package callm runs decoder-only language models on local hardware.
//
// A Pipeline is built once with NewBuilder, loads a safetensors or GGUF
// checkpoint, and answers one generation call at a time:
//
//	p, err := callm.NewBuilder().
//		WithLocation("models/Qwen2-0.5B-Instruct").
//		WithTemperature(0).
//		Build(ctx)
//	if err != nil {
//		return err
//	}
//	defer p.Close()
//	out, err := p.RunChat(ctx, []callm.Message{{Role: callm.RoleUser, Content: "Hi"}})
//
// Every error returned by the package is classified; use errors.Is with the
// Err* sentinels below, or KindOf.
package callm

import (
	"fmt"
	"time"

	"github.com/MistApproach/callm/internal/backend"
	"github.com/MistApproach/callm/internal/chat"
	"github.com/MistApproach/callm/internal/errs"
	"github.com/MistApproach/callm/internal/loader"
)

type Kind = errs.Kind

const (
	KindUnknown       = errs.KindUnknown
	KindLoad          = errs.KindLoad
	KindDevice        = errs.KindDevice
	KindTokenizer     = errs.KindTokenizer
	KindTemplate      = errs.KindTemplate
	KindRuntime       = errs.KindRuntime
	KindSampling      = errs.KindSampling
	KindInvalidConfig = errs.KindInvalidConfig
)

var (
	ErrLoad          = errs.ErrLoad
	ErrDevice        = errs.ErrDevice
	ErrTokenizer     = errs.ErrTokenizer
	ErrTemplate      = errs.ErrTemplate
	ErrRuntime       = errs.ErrRuntime
	ErrSampling      = errs.ErrSampling
	ErrInvalidConfig = errs.ErrInvalidConfig

	ErrNoTemplate      = errs.ErrNoTemplate
	ErrInvalidRole     = errs.ErrInvalidRole
	ErrCacheSkew       = errs.ErrCacheSkew
	ErrContextOverflow = errs.ErrContextOverflow
	ErrBusy            = errs.ErrBusy
	ErrNotLoaded       = errs.ErrNotLoaded
)

// KindOf returns the classification of err, or KindUnknown.
func KindOf(err error) Kind { return errs.KindOf(err) }

type (
	Message  = chat.Message
	Role     = chat.Role
	Fallback = chat.Fallback
	Location = loader.Location
	Device   = backend.Device
)

const (
	RoleSystem    = chat.RoleSystem
	RoleUser      = chat.RoleUser
	RoleAssistant = chat.RoleAssistant
)

// Policies for models without a chat template.
const (
	FallbackConcat       = chat.FallbackConcat
	FallbackFirstMessage = chat.FallbackFirstMessage
	FallbackError        = chat.FallbackError
)

// State is the phase of a pipeline.
type State int32

const (
	StateIdle State = iota
	StatePrompting
	StateDecoding
	StateFinished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePrompting:
		return "prompting"
	case StateDecoding:
		return "decoding"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// StopReason tells why decoding ended.
type StopReason uint8

const (
	StopNone StopReason = iota
	// StopEOS means a stop token was sampled. It is not part of the output.
	StopEOS
	StopMaxTokens
	// StopContextFull means the KV cache reached the context limit.
	StopContextFull
)

func (r StopReason) String() string {
	switch r {
	case StopEOS:
		return "eos"
	case StopMaxTokens:
		return "max_new_tokens"
	case StopContextFull:
		return "context_full"
	default:
		return "none"
	}
}

// Stats describes the last generation call.
type Stats struct {
	RunID  string
	Result State
	Stop   StopReason

	PromptTokens int
	// GeneratedTokens counts sampled tokens that made it into the output.
	GeneratedTokens int
	// DecodeSteps counts single-token forward passes after the prompt.
	DecodeSteps int
	// CacheTokens is the KV cache length when the run ended.
	CacheTokens int

	Duration        time.Duration
	FirstToken      time.Duration
	TokensPerSecond float64
}
