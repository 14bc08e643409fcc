package callm

import (
	"context"
	"math"
	"testing"

	"github.com/MistApproach/callm/internal/chat"
	"github.com/MistApproach/callm/internal/errs"
	"github.com/MistApproach/callm/internal/kvcache"
	"github.com/MistApproach/callm/internal/logger"
	"github.com/MistApproach/callm/internal/model"
)

// Ids of the byte tokenizer: three specials, then one token per byte.
const (
	bosID = iota
	eosID
	eotID
	byteBase
)

// byteTokenizer maps every byte to its own id.
type byteTokenizer struct{}

func (byteTokenizer) Encode(text string, addSpecial bool) ([]int, error) {
	var ids []int
	if addSpecial {
		ids = append(ids, bosID)
	}
	for i := 0; i < len(text); i++ {
		ids = append(ids, int(text[i])+byteBase)
	}
	return ids, nil
}

func (byteTokenizer) Decode(ids []int, skipSpecial bool) (string, error) {
	var out []byte
	for _, id := range ids {
		if id < byteBase {
			if !skipSpecial {
				out = append(out, []byte(byteTokenizer{}.TokenString(id))...)
			}
			continue
		}
		out = append(out, byte(id-byteBase))
	}
	return string(out), nil
}

func (byteTokenizer) TokenID(s string) (int, bool) { return 0, false }

func (byteTokenizer) TokenString(id int) string {
	switch id {
	case bosID:
		return "<s>"
	case eosID:
		return "</s>"
	case eotID:
		return "<|eot|>"
	}
	return ""
}

func (byteTokenizer) BOS() int       { return bosID }
func (byteTokenizer) EOS() int       { return eosID }
func (byteTokenizer) VocabSize() int { return byteBase + 256 }

// scriptModel emits reply one token per forward pass. With flat set it
// returns equal logits for every byte token instead. On call skewAt it
// appends one extra row to layer 0, then panics if skewPanics is set.
type scriptModel struct {
	cfg        model.Config
	reply      []int
	flat       bool
	failAt     int
	panicAt    int
	skewAt     int
	skewPanics bool

	calls  int
	step   int
	logits []float32
}

func newScriptModel(maxContext int, reply ...int) *scriptModel {
	cfg := model.Config{
		Arch:       model.ArchLlama,
		VocabSize:  byteBase + 256,
		Layers:     2,
		Heads:      1,
		KVHeads:    1,
		HeadDim:    2,
		MaxContext: maxContext,
	}
	return &scriptModel{cfg: cfg, reply: reply, logits: make([]float32, cfg.VocabSize)}
}

func (m *scriptModel) Forward(tokens []int, pos int, cache *kvcache.Cache) ([]float32, error) {
	m.calls++
	if m.calls == m.panicAt {
		panic("boom")
	}
	if m.calls == m.failAt {
		return nil, errs.Errorf(errs.KindRuntime, "scriptModel", "injected failure")
	}
	if pos != cache.Len() {
		return nil, errs.Errorf(errs.KindRuntime, "scriptModel", "position %d, cache %d", pos, cache.Len())
	}
	if pos == 0 {
		m.step = 0
	}
	row := make([]float32, cache.KVDim())
	for range tokens {
		for l := range cache.Layers() {
			if err := cache.Append(l, row, row); err != nil {
				return nil, err
			}
		}
	}
	if m.calls == m.skewAt {
		if err := cache.Append(0, row, row); err != nil {
			return nil, err
		}
		if m.skewPanics {
			panic("skewed cache")
		}
	}

	for i := range m.logits {
		m.logits[i] = 0
	}
	if m.flat {
		for i := range byteBase {
			m.logits[i] = float32(math.Inf(-1))
		}
		return m.logits, nil
	}
	// A spread of small scores so only greedy-like sampling is stable.
	for i := range m.logits {
		m.logits[i] = float32(i%7) * 0.1
	}
	next := m.reply[min(m.step, len(m.reply)-1)]
	m.logits[next] = 10
	m.step++
	return m.logits, nil
}

func (m *scriptModel) Config() model.Config { return m.cfg }

func (m *scriptModel) NewCache() *kvcache.Cache {
	c, err := kvcache.New(m.cfg.Layers, m.cfg.KVDim(), m.cfg.MaxContext)
	if err != nil {
		panic(err)
	}
	return c
}

func (m *scriptModel) Close() {}

// bytesOf returns the token ids of s.
func bytesOf(s string) []int {
	ids, _ := byteTokenizer{}.Encode(s, false)
	return ids
}

// newTestPipeline builds a pipeline around m without touching disk.
// configure may adjust the builder; the default is greedy decoding.
func newTestPipeline(t *testing.T, m *scriptModel, template string, configure func(*Builder)) *Pipeline {
	t.Helper()
	b := NewBuilder().WithLocation("script").WithLogger(logger.Nop()).WithTemperature(0)
	if configure != nil {
		configure(b)
	}
	if err := b.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	p := b.newPipeline(context.Background(), nil)
	if b.template != nil {
		template = *b.template
	}
	tpl, err := chat.New(template, chat.Options{BOS: "<s>", EOS: "</s>", Fallback: b.fallback})
	if err != nil {
		t.Fatalf("chat.New: %v", err)
	}
	p.rt = &runtime{
		model: m,
		tok:   byteTokenizer{},
		tpl:   tpl,
		cache: m.NewCache(),
		stops: []int{eosID, eotID},
	}
	return p
}
