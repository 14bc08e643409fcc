package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/MistApproach/callm/internal/loader"
)

func inspectCmd(opts *options) *cli.Command {
	var (
		modelPath    string
		showTensors  bool
		tensorLimit  int
		tensorFilter string
		asJSON       bool
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Show the configuration and tensors of a checkpoint without loading it",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "checkpoint directory, .safetensors or .gguf file",
				Destination: &modelPath,
			},
			&cli.BoolFlag{Name: "tensors", Usage: "list tensors", Destination: &showTensors},
			&cli.IntFlag{Name: "limit", Usage: "max tensors to list (0 = all)", Value: 40, Destination: &tensorLimit},
			&cli.StringFlag{Name: "filter", Usage: "only list tensors whose name contains this", Destination: &tensorFilter},
			&cli.BoolFlag{Name: "json", Usage: "print the summary as JSON", Destination: &asJSON},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := opts.setup(cmd); err != nil {
				return err
			}
			if modelPath == "" {
				modelPath = opts.model
			}
			if modelPath == "" {
				return cli.Exit("error: --model is required", 1)
			}
			loc, err := loader.Resolve(modelPath)
			if err != nil {
				return err
			}
			s, err := loader.Describe(loc)
			if err != nil {
				return err
			}
			if tensorFilter != "" {
				s.Tensors = slices.DeleteFunc(s.Tensors, func(t loader.TensorSummary) bool {
					return !strings.Contains(t.Name, tensorFilter)
				})
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(s)
			}
			printSummary(os.Stdout, s, showTensors, tensorLimit)
			return nil
		},
	}
}

func printSummary(w io.Writer, s *loader.Summary, tensors bool, limit int) {
	c := s.Config
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	row := func(k string, v any) { _, _ = fmt.Fprintf(tw, "%s\t%v\n", k, v) }

	row("path", s.Location.Path)
	row("format", s.Location.Format)
	row("arch", c.Arch)
	row("vocab", c.VocabSize)
	row("hidden", c.HiddenSize)
	row("intermediate", c.IntermediateSize)
	row("layers", c.Layers)
	row("heads", fmt.Sprintf("%d (kv %d, dim %d)", c.Heads, c.KVHeads, c.HeadDim))
	row("context", c.MaxContext)
	row("rms eps", c.RMSNormEps)
	row("rope", fmt.Sprintf("theta %g, %s", c.RopeTheta, c.RopeStyle))
	if c.RopeScaling != nil {
		row("rope scaling", fmt.Sprintf("%+v", *c.RopeScaling))
	}
	if c.SlidingWindow > 0 {
		row("sliding window", c.SlidingWindow)
	}
	row("tied embeddings", c.TieEmbeddings)
	row("bos", c.BOS)
	row("eos", c.EOS)
	for _, k := range slices.Sorted(maps.Keys(s.Metadata)) {
		row(k, s.Metadata[k])
	}
	row("tensors", len(s.Tensors))
	_ = tw.Flush()

	if !tensors {
		return
	}
	_, _ = fmt.Fprintln(w)
	for i, t := range s.Tensors {
		if limit > 0 && i == limit {
			_, _ = fmt.Fprintf(tw, "... %d more\n", len(s.Tensors)-limit)
			break
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%v\n", t.Name, t.DType, t.Shape)
	}
	_ = tw.Flush()
}
