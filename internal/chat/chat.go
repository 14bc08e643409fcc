// Package chat renders role-tagged conversations into prompt strings with
// the Jinja chat template a model ships in tokenizer_config.json.
package chat

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"github.com/nikolalohinski/gonja/v2/exec"

	"github.com/MistApproach/callm/internal/errs"
)

// Fallback selects what Render does when the model has no template.
type Fallback uint8

const (
	// FallbackConcat renders "<role>: <text>\n" per message, then
	// "assistant:" when a generation prompt is requested.
	FallbackConcat Fallback = iota
	// FallbackFirstMessage renders the first message's text verbatim.
	FallbackFirstMessage
	// FallbackError fails with errs.ErrNoTemplate.
	FallbackError
)

func (f Fallback) String() string {
	switch f {
	case FallbackConcat:
		return "concat"
	case FallbackFirstMessage:
		return "first-message"
	case FallbackError:
		return "error"
	default:
		return fmt.Sprintf("fallback(%d)", uint8(f))
	}
}

// ParseFallback maps a policy name to a Fallback. Empty means concat.
func ParseFallback(s string) (Fallback, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "concat":
		return FallbackConcat, nil
	case "first-message", "first":
		return FallbackFirstMessage, nil
	case "error", "none":
		return FallbackError, nil
	}
	return 0, errs.Errorf(errs.KindInvalidConfig, "chat.ParseFallback", "unknown template fallback %q", s)
}

type Options struct {
	BOS      string
	EOS      string
	Fallback Fallback
	// OmitGenerationPrompt sets add_generation_prompt to false.
	OmitGenerationPrompt bool
}

// Template is a compiled chat template. It holds no per-render state and
// may be shared between goroutines.
type Template struct {
	source string
	tpl    *exec.Template
	opts   Options
	// compileErr is set when source was given but did not compile.
	compileErr error
}

const (
	compiledTTL      = 30 * time.Minute
	compiledCapacity = 64
)

var compiled = sync.OnceValue(func() *ttlcache.Cache[uint64, *exec.Template] {
	return ttlcache.New[uint64, *exec.Template](
		ttlcache.WithTTL[uint64, *exec.Template](compiledTTL),
		ttlcache.WithCapacity[uint64, *exec.Template](compiledCapacity),
	)
})

// New compiles source. An empty source yields a template that renders with
// opts.Fallback.
func New(source string, opts Options) (*Template, error) {
	if opts.Fallback > FallbackError {
		return nil, errs.Errorf(errs.KindInvalidConfig, "chat.New", "unknown template fallback %d", opts.Fallback)
	}
	t := &Template{source: source, opts: opts}
	if source == "" {
		return t, nil
	}
	tpl, err := compile(source)
	if err != nil {
		return nil, err
	}
	t.tpl = tpl
	return t, nil
}

// NewLenient is New for a template shipped with a checkpoint. A source
// that does not compile yields a template that renders with opts.Fallback;
// Err reports the compile failure. Only invalid options fail.
func NewLenient(source string, opts Options) (*Template, error) {
	t, err := New(source, opts)
	if err == nil || errs.KindOf(err) != errs.KindTemplate {
		return t, err
	}
	return &Template{source: source, opts: opts, compileErr: err}, nil
}

// Err reports why the source was not compiled, if it was given.
func (t *Template) Err() error { return t.compileErr }

func compile(source string) (*exec.Template, error) {
	cache := compiled()
	key := xxhash.Sum64String(source)
	if item := cache.Get(key); item != nil {
		return item.Value(), nil
	}
	tpl, err := parseTemplate(source)
	if err != nil {
		return nil, errs.E(errs.KindTemplate, "chat.compile", err)
	}
	cache.Set(key, tpl, ttlcache.DefaultTTL)
	return tpl, nil
}

// HasTemplate reports whether a model template was compiled.
func (t *Template) HasTemplate() bool { return t.tpl != nil }

func (t *Template) Source() string { return t.source }

// Render turns msgs into a prompt string.
func (t *Template) Render(msgs []Message) (string, error) {
	const op = "chat.Render"
	if len(msgs) == 0 {
		return "", errs.Errorf(errs.KindTemplate, op, "empty conversation")
	}
	for i, m := range msgs {
		if err := m.Role.Validate(); err != nil {
			return "", fmt.Errorf("message %d: %w", i, err)
		}
	}
	if t.tpl == nil {
		return t.fallback(msgs)
	}

	list := make([]map[string]any, len(msgs))
	for i, m := range msgs {
		list[i] = map[string]any{"role": string(m.Role), "content": m.Content}
	}
	var raised []string
	ctx := exec.NewContext(map[string]any{
		"messages":              list,
		"bos_token":             t.opts.BOS,
		"eos_token":             t.opts.EOS,
		"add_generation_prompt": !t.opts.OmitGenerationPrompt,
		"raise_exception": func(msg string) (string, error) {
			raised = append(raised, msg)
			return "", errors.New(msg)
		},
	})
	var out strings.Builder
	if err := t.tpl.Execute(&out, ctx); err != nil {
		if len(raised) > 0 {
			return "", errs.Errorf(errs.KindTemplate, op, "template raised: %s", raised[0])
		}
		return "", errs.E(errs.KindTemplate, op, err)
	}
	if len(raised) > 0 {
		return "", errs.Errorf(errs.KindTemplate, op, "template raised: %s", raised[0])
	}
	return out.String(), nil
}

func (t *Template) fallback(msgs []Message) (string, error) {
	switch t.opts.Fallback {
	case FallbackFirstMessage:
		return msgs[0].Content, nil
	case FallbackError:
		if t.compileErr != nil {
			return "", errs.E(errs.KindTemplate, "chat.Render", fmt.Errorf("%w: %w", errs.ErrNoTemplate, t.compileErr))
		}
		return "", errs.E(errs.KindTemplate, "chat.Render", errs.ErrNoTemplate)
	}
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	if !t.opts.OmitGenerationPrompt {
		b.WriteString(string(RoleAssistant))
		b.WriteByte(':')
	}
	return b.String(), nil
}
