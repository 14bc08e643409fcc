// Package loader turns a model path into a ready parameter bundle: it detects
// the checkpoint format, reads the model and tokenizer configuration, and
// materializes the weights in the precision chosen by the backend.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/MistApproach/callm/internal/backend"
	"github.com/MistApproach/callm/internal/errs"
	"github.com/MistApproach/callm/internal/gguf"
	"github.com/MistApproach/callm/internal/logger"
	"github.com/MistApproach/callm/internal/model"
	"github.com/MistApproach/callm/internal/tensor"
	"github.com/MistApproach/callm/internal/tokenizer"
)

const (
	configFile          = "config.json"
	tokenizerFile       = "tokenizer.json"
	tokenizerConfigFile = "tokenizer_config.json"
	generationFile      = "generation_config.json"
	chatTemplateFile    = "chat_template.jinja"
	weightsFile         = "model.safetensors"
	indexFile           = "model.safetensors.index.json"
)

// Llama 3 checkpoints declare <|end_of_text|> as EOS while chat turns end
// with <|eot_id|>.
const (
	llama3EndOfText = 128001
	llama3EOT       = 128009
)

// Location is a resolved model path.
type Location struct {
	Path   string
	Format model.Format
	Arch   model.Arch
}

func (l Location) String() string {
	return fmt.Sprintf("%s (%s, %s)", l.Path, l.Format, l.Arch)
}

// Options controls Load.
type Options struct {
	// MaxContext caps the context length below the model limit. Zero keeps
	// the model limit.
	MaxContext int
	// Progress is called after every tensor.
	Progress func(done, total int)
	Logger   logger.Logger
}

// Bundle is everything a pipeline needs from a checkpoint.
type Bundle struct {
	Location  Location
	Config    model.Config
	Params    *model.Params
	Tokenizer tokenizer.Tokenizer
	// ChatTemplate is empty when the checkpoint ships none.
	ChatTemplate string
	BOSToken     string
	EOSToken     string
	// EOS is the primary end-of-sequence id.
	EOS int
	// StopTokens end generation. They include EOS.
	StopTokens []int
}

// Resolve detects the format and architecture of path. A directory or a
// .safetensors file is read as a Hugging Face checkpoint; a .gguf file as
// GGUF.
func Resolve(path string) (Location, error) {
	const op = "loader.Resolve"
	st, err := os.Stat(path)
	if err != nil {
		return Location{}, errs.E(errs.KindLoad, op, err)
	}
	loc := Location{Path: path}
	switch ext := strings.ToLower(filepath.Ext(path)); {
	case st.IsDir(), ext == ".safetensors":
		loc.Format = model.FormatSafetensors
		cfg, err := readHFConfig(hfDir(path, st.IsDir()))
		if err != nil {
			return Location{}, err
		}
		loc.Arch = cfg.Arch
	case ext == ".gguf":
		loc.Format = model.FormatGGUF
		f, err := gguf.Open(path)
		if err != nil {
			return Location{}, errs.E(errs.KindLoad, op, err)
		}
		defer f.Close()
		cfg, err := model.ConfigFromGGUF(f)
		if err != nil {
			return Location{}, err
		}
		loc.Arch = cfg.Arch
	default:
		return Location{}, errs.Errorf(errs.KindLoad, op, "unsupported model format: %s", path)
	}
	return loc, nil
}

func hfDir(path string, isDir bool) string {
	if isDir {
		return path
	}
	return filepath.Dir(path)
}

func readHFConfig(dir string) (model.Config, error) {
	raw, err := os.ReadFile(filepath.Join(dir, configFile))
	if err != nil {
		return model.Config{}, errs.E(errs.KindLoad, "loader.readHFConfig", err)
	}
	return model.ParseHFConfig(raw)
}

// Load reads the checkpoint at loc. b chooses the weight precision; nil
// means F32. Files are unmapped before Load returns, on success or failure.
func Load(ctx context.Context, loc Location, b *backend.Backend, opts Options) (*Bundle, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	dtype := tensor.F32
	if b != nil {
		dtype = b.DType()
	}
	start := time.Now()

	var (
		bundle *Bundle
		err    error
	)
	switch loc.Format {
	case model.FormatSafetensors:
		bundle, err = loadSafetensors(ctx, loc, dtype, opts)
	case model.FormatGGUF:
		bundle, err = loadGGUF(ctx, loc, dtype, opts)
	default:
		err = errs.Errorf(errs.KindLoad, "loader.Load", "unsupported format %s", loc.Format)
	}
	if err != nil {
		return nil, err
	}
	log.Info("model loaded",
		"path", loc.Path,
		"format", loc.Format.String(),
		"arch", string(bundle.Config.Arch),
		"dtype", dtype.String(),
		"layers", bundle.Config.Layers,
		"max_context", bundle.Config.MaxContext,
		"weights_mb", bundle.Params.Bytes()>>20,
		"took", time.Since(start),
	)
	return bundle, nil
}

func loadSafetensors(ctx context.Context, loc Location, dtype tensor.DType, opts Options) (*Bundle, error) {
	const op = "loader.Load"
	st, err := os.Stat(loc.Path)
	if err != nil {
		return nil, errs.E(errs.KindLoad, op, err)
	}
	dir := hfDir(loc.Path, st.IsDir())
	cfg, err := readHFConfig(dir)
	if err != nil {
		return nil, err
	}
	if cfg, err = capContext(cfg, opts.MaxContext); err != nil {
		return nil, err
	}

	tc, tok, err := loadHFTokenizer(dir)
	if err != nil {
		return nil, err
	}
	template := tc.ChatTemplate
	if raw, err := os.ReadFile(filepath.Join(dir, chatTemplateFile)); err == nil {
		template = string(raw)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, errs.E(errs.KindLoad, op, err)
	}
	genEOS, err := readGenerationEOS(dir)
	if err != nil {
		return nil, err
	}

	paths, err := shardPaths(loc.Path, dir, st.IsDir())
	if err != nil {
		return nil, err
	}
	set, err := openSet(paths)
	if err != nil {
		return nil, err
	}
	defer set.Close()

	params, err := model.LoadParams(ctx, cfg, stSource{set: set}, model.LoadOptions{DType: dtype, Progress: opts.Progress})
	if err != nil {
		return nil, err
	}
	return finish(loc, cfg, params, tok, template, genEOS)
}

func loadGGUF(ctx context.Context, loc Location, dtype tensor.DType, opts Options) (*Bundle, error) {
	const op = "loader.Load"
	f, err := gguf.Open(loc.Path)
	if err != nil {
		return nil, errs.E(errs.KindLoad, op, err)
	}
	defer f.Close()

	cfg, err := model.ConfigFromGGUF(f)
	if err != nil {
		return nil, err
	}
	if cfg, err = capContext(cfg, opts.MaxContext); err != nil {
		return nil, err
	}
	tcfg, err := tokenizer.ParseGGUF(f.KV)
	if err != nil {
		return nil, err
	}
	tok, err := tokenizer.New(tcfg)
	if err != nil {
		return nil, err
	}
	template, _ := gguf.GetString(f.KV, "tokenizer.chat_template")
	var extraStops []int
	if id, ok := gguf.GetInt64(f.KV, "tokenizer.ggml.eot_token_id"); ok {
		extraStops = append(extraStops, int(id))
	}

	params, err := model.LoadParams(ctx, cfg, ggufSource{f: f}, model.LoadOptions{DType: dtype, Progress: opts.Progress})
	if err != nil {
		return nil, err
	}
	return finish(loc, cfg, params, tok, template, extraStops)
}

// capContext applies a caller context limit. Asking for more than the model
// was trained for is a configuration error.
func capContext(cfg model.Config, limit int) (model.Config, error) {
	switch {
	case limit < 0:
		return cfg, errs.Errorf(errs.KindInvalidConfig, "loader.Load", "max context must be >= 0, got %d", limit)
	case limit > cfg.MaxContext:
		return cfg, errs.Errorf(errs.KindInvalidConfig, "loader.Load",
			"max context %d exceeds the model limit %d", limit, cfg.MaxContext)
	case limit > 0:
		cfg.MaxContext = limit
	}
	return cfg, nil
}

// finish settles the end-of-sequence ids and assembles the bundle.
func finish(loc Location, cfg model.Config, params *model.Params, tok tokenizer.Tokenizer, template string, extraStops []int) (*Bundle, error) {
	const op = "loader.Load"
	if tok.VocabSize() > cfg.VocabSize {
		return nil, errs.Errorf(errs.KindLoad, op,
			"tokenizer has %d tokens but the model only %d embeddings", tok.VocabSize(), cfg.VocabSize)
	}

	eos := tok.EOS()
	if len(cfg.EOS) > 0 {
		eos = cfg.EOS[0]
	}
	stops := slices.Clone(cfg.EOS)
	stops = append(stops, extraStops...)
	if tok.EOS() >= 0 {
		stops = append(stops, tok.EOS())
	}
	if eos == llama3EndOfText && tok.VocabSize() > llama3EOT {
		eos = llama3EOT
	}
	if eos < 0 {
		return nil, errs.Errorf(errs.KindLoad, op, "checkpoint declares no end-of-sequence token")
	}
	stops = append(stops, eos)
	slices.Sort(stops)
	stops = slices.Compact(stops)

	bundle := &Bundle{
		Location:     loc,
		Config:       cfg,
		Params:       params,
		Tokenizer:    tok,
		ChatTemplate: template,
		EOS:          eos,
		StopTokens:   stops,
		EOSToken:     tok.TokenString(eos),
	}
	if bos := tok.BOS(); bos >= 0 {
		bundle.BOSToken = tok.TokenString(bos)
	} else if cfg.BOS >= 0 {
		bundle.BOSToken = tok.TokenString(cfg.BOS)
	}
	bundle.Location.Arch = cfg.Arch
	return bundle, nil
}
