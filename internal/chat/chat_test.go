package chat

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MistApproach/callm/internal/errs"
)

const chatML = `{% for m in messages %}<|im_start|>{{ m.role }}
{{ m.content }}<|im_end|>
{% endfor %}{% if add_generation_prompt %}<|im_start|>assistant
{% endif %}`

var conversation = []Message{
	{Role: RoleSystem, Content: "Be terse."},
	{Role: RoleUser, Content: "Hi"},
}

func TestRenderTemplate(t *testing.T) {
	t.Parallel()

	tpl, err := New(chatML, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !tpl.HasTemplate() {
		t.Fatal("expected compiled template")
	}
	got, err := tpl.Render(conversation)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	want := "<|im_start|>system\nBe terse.<|im_end|>\n<|im_start|>user\nHi<|im_end|>\n<|im_start|>assistant\n"
	if got != want {
		t.Fatalf("Render = %q, want %q", got, want)
	}

	again, err := tpl.Render(conversation)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if again != got {
		t.Fatalf("render not deterministic: %q vs %q", again, got)
	}
}

func TestRenderOmitGenerationPrompt(t *testing.T) {
	t.Parallel()

	tpl, err := New(chatML, Options{OmitGenerationPrompt: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := tpl.Render(conversation[1:])
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got != "<|im_start|>user\nHi<|im_end|>\n" {
		t.Fatalf("Render = %q", got)
	}
}

func TestRenderSpecialTokens(t *testing.T) {
	t.Parallel()

	src := `{{ bos_token }}{% for m in messages %}[{{ m.role }}] {{ m.content ~ eos_token }}{% endfor %}`
	tpl, err := New(src, Options{BOS: "<s>", EOS: "</s>"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := tpl.Render(conversation)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got != "<s>[system] Be terse.</s>[user] Hi</s>" {
		t.Fatalf("Render = %q", got)
	}
}

func TestRenderRaiseException(t *testing.T) {
	t.Parallel()

	src := `{% if messages[0].role == 'system' %}{{ raise_exception('System role not supported') }}{% endif %}ok`
	tpl, err := New(src, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = tpl.Render(conversation)
	if !errors.Is(err, errs.ErrTemplate) {
		t.Fatalf("expected template error, got %v", err)
	}
	if !strings.Contains(err.Error(), "System role not supported") {
		t.Fatalf("error lost message: %v", err)
	}

	got, err := tpl.Render(conversation[1:])
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got != "ok" {
		t.Fatalf("Render = %q", got)
	}
}

func TestFallbackPolicies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts Options
		want string
	}{
		{"concat", Options{}, "system: Be terse.\nuser: Hi\nassistant:"},
		{"concat without prompt", Options{OmitGenerationPrompt: true}, "system: Be terse.\nuser: Hi\n"},
		{"first message", Options{Fallback: FallbackFirstMessage}, "Be terse."},
	}
	for _, tt := range tests {
		tpl, err := New("", tt.opts)
		if err != nil {
			t.Fatalf("%s: New: %v", tt.name, err)
		}
		for range 2 {
			got, err := tpl.Render(conversation)
			if err != nil {
				t.Fatalf("%s: Render: %v", tt.name, err)
			}
			if got != tt.want {
				t.Fatalf("%s: Render = %q, want %q", tt.name, got, tt.want)
			}
		}
	}

	tpl, err := New("", Options{Fallback: FallbackError})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for range 2 {
		_, err = tpl.Render(conversation)
		if !errors.Is(err, errs.ErrNoTemplate) || !errors.Is(err, errs.ErrTemplate) {
			t.Fatalf("expected no-template error, got %v", err)
		}
	}
}

func TestRenderRejectsBadInput(t *testing.T) {
	t.Parallel()

	tpl, err := New(chatML, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := tpl.Render(nil); !errors.Is(err, errs.ErrTemplate) {
		t.Fatalf("empty conversation: %v", err)
	}
	_, err = tpl.Render([]Message{{Role: "tool", Content: "x"}})
	if !errors.Is(err, errs.ErrInvalidRole) || !errors.Is(err, errs.ErrTemplate) {
		t.Fatalf("invalid role: %v", err)
	}
	if _, err := New("{% for %}", Options{}); !errors.Is(err, errs.ErrTemplate) {
		t.Fatalf("bad template: %v", err)
	}
	if _, err := New("", Options{Fallback: Fallback(7)}); !errors.Is(err, errs.ErrInvalidConfig) {
		t.Fatalf("bad fallback: %v", err)
	}
}

func TestCompiledTemplatesAreShared(t *testing.T) {
	t.Parallel()

	a, err := New(chatML, Options{BOS: "a"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := New(chatML, Options{BOS: "b"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.tpl != b.tpl {
		t.Fatal("expected the compiled template to be reused")
	}
}

// Templates as shipped in the tokenizer_config.json of Meta-Llama-3-8B-Instruct,
// Mistral-7B-Instruct, Phi-3-mini-4k-instruct and Qwen1.5-4B-Chat.
const (
	llama3Template = "{% set loop_messages = messages %}{% for message in loop_messages %}{% set content = '<|start_header_id|>' + message['role'] + '<|end_header_id|>\n\n'+ message['content'] | trim + '<|eot_id|>' %}{% if loop.index0 == 0 %}{% set content = bos_token + content %}{% endif %}{{ content }}{% endfor %}{% if add_generation_prompt %}{{ '<|start_header_id|>assistant<|end_header_id|>\n\n' }}{% endif %}"
	mistralTemplate = "{{ bos_token }}{% for message in messages %}{% if (message['role'] == 'user') != (loop.index0 % 2 == 0) %}{{ raise_exception('Conversation roles must alternate user/assistant/user/assistant/...') }}{% endif %}{% if message['role'] == 'user' %}{{ '[INST] ' + message['content'] + ' [/INST]' }}{% elif message['role'] == 'assistant' %}{{ message['content'] + eos_token}}{% else %}{{ raise_exception('Only user and assistant roles are supported!') }}{% endif %}{% endfor %}"
	phi3Template    = "{{ bos_token }}{% for message in messages %}{% if (message['role'] == 'user') %}{{'<|user|>' + '\n' + message['content'] + '<|end|>' + '\n' + '<|assistant|>' + '\n'}}{% elif (message['role'] == 'assistant') %}{{message['content'] + '<|end|>' + '\n'}}{% endif %}{% endfor %}"
	qwen2Template   = "{% for message in messages %}{{'<|im_start|>' + message['role'] + '\n' + message['content'] + '<|im_end|>' + '\n'}}{% endfor %}{% if add_generation_prompt %}{{ '<|im_start|>assistant\n' }}{% endif %}"
)

var (
	user1      = Message{Role: RoleUser, Content: "User message 1"}
	assistant1 = Message{Role: RoleAssistant, Content: "Assistant message 1"}
	user2      = Message{Role: RoleUser, Content: "User message 2"}
	system1    = Message{Role: RoleSystem, Content: "System message"}
	system2    = Message{Role: RoleSystem, Content: "Another system message"}
)

func TestModelTemplates(t *testing.T) {
	t.Parallel()

	llama := Options{BOS: "<|begin_of_text|>", EOS: "<|end_of_text|>"}
	mistral := Options{BOS: "<s>", EOS: "</s>"}
	phi3 := Options{BOS: "<s>"}
	tests := []struct {
		name   string
		source string
		opts   Options
		msgs   []Message
		want   string
	}{
		{
			name: "llama single user", source: llama3Template, opts: llama,
			msgs: []Message{user1},
			want: "<|begin_of_text|><|start_header_id|>user<|end_header_id|>\n\nUser message 1<|eot_id|><|start_header_id|>assistant<|end_header_id|>\n\n",
		},
		{
			name: "llama two messages", source: llama3Template, opts: llama,
			msgs: []Message{user1, assistant1},
			want: "<|begin_of_text|><|start_header_id|>user<|end_header_id|>\n\nUser message 1<|eot_id|><|start_header_id|>assistant<|end_header_id|>\n\nAssistant message 1<|eot_id|><|start_header_id|>assistant<|end_header_id|>\n\n",
		},
		{
			name: "llama three messages", source: llama3Template, opts: llama,
			msgs: []Message{user1, assistant1, user2},
			want: "<|begin_of_text|><|start_header_id|>user<|end_header_id|>\n\nUser message 1<|eot_id|><|start_header_id|>assistant<|end_header_id|>\n\nAssistant message 1<|eot_id|><|start_header_id|>user<|end_header_id|>\n\nUser message 2<|eot_id|><|start_header_id|>assistant<|end_header_id|>\n\n",
		},
		{
			name: "llama system", source: llama3Template, opts: llama,
			msgs: []Message{system1, user1},
			want: "<|begin_of_text|><|start_header_id|>system<|end_header_id|>\n\nSystem message<|eot_id|><|start_header_id|>user<|end_header_id|>\n\nUser message 1<|eot_id|><|start_header_id|>assistant<|end_header_id|>\n\n",
		},
		{
			name: "mistral single user", source: mistralTemplate, opts: mistral,
			msgs: []Message{user1},
			want: "<s>[INST] User message 1 [/INST]",
		},
		{
			name: "mistral two messages", source: mistralTemplate, opts: mistral,
			msgs: []Message{user1, assistant1},
			want: "<s>[INST] User message 1 [/INST]Assistant message 1</s>",
		},
		{
			name: "mistral three messages", source: mistralTemplate, opts: mistral,
			msgs: []Message{user1, assistant1, user2},
			want: "<s>[INST] User message 1 [/INST]Assistant message 1</s>[INST] User message 2 [/INST]",
		},
		{
			name: "phi3 single user", source: phi3Template, opts: phi3,
			msgs: []Message{user1},
			want: "<s><|user|>\nUser message 1<|end|>\n<|assistant|>\n",
		},
		{
			name: "phi3 two messages", source: phi3Template, opts: phi3,
			msgs: []Message{user1, assistant1},
			want: "<s><|user|>\nUser message 1<|end|>\n<|assistant|>\nAssistant message 1<|end|>\n",
		},
		{
			name: "phi3 three messages", source: phi3Template, opts: phi3,
			msgs: []Message{user1, assistant1, user2},
			want: "<s><|user|>\nUser message 1<|end|>\n<|assistant|>\nAssistant message 1<|end|>\n<|user|>\nUser message 2<|end|>\n<|assistant|>\n",
		},
		{
			name: "phi3 drops system", source: phi3Template, opts: phi3,
			msgs: []Message{system1, user1},
			want: "<s><|user|>\nUser message 1<|end|>\n<|assistant|>\n",
		},
		{
			name: "qwen2 single user", source: qwen2Template,
			msgs: []Message{user1},
			want: "<|im_start|>user\nUser message 1<|im_end|>\n<|im_start|>assistant\n",
		},
		{
			name: "qwen2 two messages", source: qwen2Template,
			msgs: []Message{user1, assistant1},
			want: "<|im_start|>user\nUser message 1<|im_end|>\n<|im_start|>assistant\nAssistant message 1<|im_end|>\n<|im_start|>assistant\n",
		},
		{
			name: "qwen2 three messages", source: qwen2Template,
			msgs: []Message{user1, assistant1, user2},
			want: "<|im_start|>user\nUser message 1<|im_end|>\n<|im_start|>assistant\nAssistant message 1<|im_end|>\n<|im_start|>user\nUser message 2<|im_end|>\n<|im_start|>assistant\n",
		},
		{
			name: "qwen2 system", source: qwen2Template,
			msgs: []Message{system1, user1},
			want: "<|im_start|>system\nSystem message<|im_end|>\n<|im_start|>user\nUser message 1<|im_end|>\n<|im_start|>assistant\n",
		},
		{
			name: "qwen2 two systems", source: qwen2Template,
			msgs: []Message{system1, system2},
			want: "<|im_start|>system\nSystem message<|im_end|>\n<|im_start|>system\nAnother system message<|im_end|>\n<|im_start|>assistant\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tpl, err := New(tt.source, tt.opts)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			got, err := tpl.Render(tt.msgs)
			if err != nil {
				t.Fatalf("Render: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Render = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMistralRejectsSystemRole(t *testing.T) {
	t.Parallel()

	tpl, err := New(mistralTemplate, Options{BOS: "<s>", EOS: "</s>"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = tpl.Render([]Message{system1, user1})
	if !errors.Is(err, errs.ErrTemplate) || !strings.Contains(err.Error(), "Conversation roles must alternate") {
		t.Fatalf("expected raised template error, got %v", err)
	}
}

func TestBindFilters(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"{{ x }}", "{{ x }}"},
		{"{{ x | trim }}", "{{ (x | trim) }}"},
		{"{{ 'a' + m['content'] | trim + 'b' }}", "{{ 'a' + (m['content'] | trim) + 'b' }}"},
		{"{{ m.content|trim|upper ~ '!' }}", "{{ (m.content|trim|upper) ~ '!' }}"},
		{"{{ xs | join(', ') + y }}", "{{ (xs | join(', ')) + y }}"},
		{"{{ f(a, b) | length }}", "{{ (f(a, b) | length) }}"},
		{"{% for m in messages | reverse %}{% endfor %}", "{% for m in (messages | reverse) %}{% endfor %}"},
		{"{% if not x | length %}{% endif %}", "{% if not (x | length) %}{% endif %}"},
		{"{{ (a + b) | string }}", "{{ ((a + b) | string) }}"},
		{"{{ xs[i | int] }}", "{{ xs[(i | int)] }}"},
		{"{{ x } | trim", "{{ x } | trim"},
	}
	for _, tt := range tests {
		if got := bindFilters(tt.in); got != tt.want {
			t.Errorf("bindFilters(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSetInsideIfIsVisibleAfterEndif(t *testing.T) {
	t.Parallel()

	src := "{% set x = 'a' %}{% if true %}{% set x = x + 'b' %}{% elif false %}{% else %}{% endif %}{{ x }}"
	tpl, err := New(src, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := tpl.Render(conversation)
	if err != nil || got != "ab" {
		t.Fatalf("Render = %q, %v", got, err)
	}
}

func TestNewLenient(t *testing.T) {
	t.Parallel()

	tpl, err := NewLenient("{% for %}", Options{Fallback: FallbackError})
	if err != nil {
		t.Fatalf("NewLenient: %v", err)
	}
	if tpl.HasTemplate() || !errors.Is(tpl.Err(), errs.ErrTemplate) {
		t.Fatalf("HasTemplate = %v, Err = %v", tpl.HasTemplate(), tpl.Err())
	}
	_, err = tpl.Render(conversation)
	if !errors.Is(err, errs.ErrNoTemplate) || !strings.Contains(err.Error(), "chat.compile") {
		t.Fatalf("Render: %v", err)
	}

	tpl, err = NewLenient(chatML, Options{})
	if err != nil || !tpl.HasTemplate() || tpl.Err() != nil {
		t.Fatalf("NewLenient(valid) = %v, %v", tpl, err)
	}
	if _, err := NewLenient("{% for %}", Options{Fallback: Fallback(7)}); !errors.Is(err, errs.ErrInvalidConfig) {
		t.Fatalf("bad fallback: %v", err)
	}
}

func TestParseFallback(t *testing.T) {
	t.Parallel()

	tests := map[string]Fallback{
		"":              FallbackConcat,
		"concat":        FallbackConcat,
		"First-Message": FallbackFirstMessage,
		"error":         FallbackError,
	}
	for in, want := range tests {
		got, err := ParseFallback(in)
		if err != nil || got != want {
			t.Fatalf("ParseFallback(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseFallback("shout"); !errors.Is(err, errs.ErrInvalidConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
}

func TestParseMessages(t *testing.T) {
	t.Parallel()

	msgs, err := ParseMessages([]byte(`[{"role":"System","content":"Be terse."},{"role":"user","content":"Hi"}]`))
	if err != nil {
		t.Fatalf("ParseMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[0] != conversation[0] || msgs[1] != conversation[1] {
		t.Fatalf("messages = %+v", msgs)
	}

	path := filepath.Join(t.TempDir(), "msgs.json")
	if err := os.WriteFile(path, []byte(`{"messages":[{"role":"assistant","content":"ok"}]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	msgs, err = LoadMessages(path)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != RoleAssistant {
		t.Fatalf("messages = %+v", msgs)
	}

	bad := []string{`"text"`, `{"other":[]}`, `[{"role":"robot","content":"x"}]`, `[`}
	for _, in := range bad {
		if _, err := ParseMessages([]byte(in)); !errors.Is(err, errs.ErrTemplate) {
			t.Fatalf("ParseMessages(%s): expected template error, got %v", in, err)
		}
	}
}
