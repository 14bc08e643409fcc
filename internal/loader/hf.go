package loader

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/MistApproach/callm/internal/errs"
	"github.com/MistApproach/callm/internal/safetensors"
	"github.com/MistApproach/callm/internal/tokenizer"
)

func loadHFTokenizer(dir string) (tokenizer.TokenizerConfig, tokenizer.Tokenizer, error) {
	const op = "loader.loadHFTokenizer"
	var tc tokenizer.TokenizerConfig
	raw, err := os.ReadFile(filepath.Join(dir, tokenizerConfigFile))
	switch {
	case err == nil:
		if tc, err = tokenizer.ParseTokenizerConfig(raw); err != nil {
			return tc, nil, err
		}
	case !errors.Is(err, fs.ErrNotExist):
		return tc, nil, errs.E(errs.KindLoad, op, err)
	}

	tokJSON, err := os.ReadFile(filepath.Join(dir, tokenizerFile))
	if err != nil {
		return tc, nil, errs.E(errs.KindLoad, op, err)
	}
	cfg, err := tokenizer.ParseHF(tokJSON, tc)
	if err != nil {
		return tc, nil, err
	}
	tok, err := tokenizer.New(cfg)
	if err != nil {
		return tc, nil, err
	}
	return tc, tok, nil
}

// readGenerationEOS returns the eos ids listed in generation_config.json,
// which often name more end tokens than config.json.
func readGenerationEOS(dir string) ([]int, error) {
	const op = "loader.readGenerationEOS"
	raw, err := os.ReadFile(filepath.Join(dir, generationFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.E(errs.KindLoad, op, err)
	}
	var gc struct {
		EOS json.RawMessage `json:"eos_token_id"`
	}
	if err := json.Unmarshal(raw, &gc); err != nil {
		return nil, errs.E(errs.KindLoad, op, fmt.Errorf("parse %s: %w", generationFile, err))
	}
	if len(gc.EOS) == 0 || string(gc.EOS) == "null" {
		return nil, nil
	}
	var ids []int
	if gc.EOS[0] == '[' {
		err = json.Unmarshal(gc.EOS, &ids)
	} else {
		var id int
		err = json.Unmarshal(gc.EOS, &id)
		ids = []int{id}
	}
	if err != nil {
		return nil, errs.E(errs.KindLoad, op, fmt.Errorf("eos_token_id: %w", err))
	}
	return ids, nil
}

// shardPaths lists the weight files of a checkpoint: the file itself, the
// shards named by the index, or model.safetensors.
func shardPaths(path, dir string, isDir bool) ([]string, error) {
	const op = "loader.shardPaths"
	if !isDir {
		return []string{path}, nil
	}
	idxPath := filepath.Join(dir, indexFile)
	if _, err := os.Stat(idxPath); err == nil {
		idx, err := safetensors.ReadIndex(idxPath)
		if err != nil {
			return nil, errs.E(errs.KindLoad, op, err)
		}
		shards := idx.Shards()
		paths := make([]string, len(shards))
		for i, s := range shards {
			if filepath.Base(s) != s {
				return nil, errs.Errorf(errs.KindLoad, op, "shard %q escapes the model directory", s)
			}
			paths[i] = filepath.Join(dir, s)
		}
		return paths, nil
	}
	single := filepath.Join(dir, weightsFile)
	if _, err := os.Stat(single); err != nil {
		return nil, errs.Errorf(errs.KindLoad, op, "no %s or %s in %s", weightsFile, indexFile, dir)
	}
	return []string{single}, nil
}

func openSet(paths []string) (*safetensors.Set, error) {
	set, err := safetensors.OpenSet(paths...)
	if err != nil {
		return nil, errs.E(errs.KindLoad, "loader.openSet", err)
	}
	return set, nil
}
