package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime/pprof"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/MistApproach/callm/pkg/callm"
)

func runCmd(opts *options) *cli.Command {
	var (
		prompt     string
		system     string
		useChat    bool
		stream     string
		raw        bool
		showStats  bool
		cpuProfile string
	)

	return &cli.Command{
		Name:      "run",
		Usage:     "Generate a completion for one prompt",
		ArgsUsage: "[prompt]",
		Flags: append(opts.modelFlags(),
			&cli.StringFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "prompt text (- reads stdin)",
				Destination: &prompt,
			},
			&cli.StringFlag{
				Name:        "system",
				Aliases:     []string{"sys"},
				Usage:       "system message; implies --chat",
				Destination: &system,
			},
			&cli.BoolFlag{
				Name:        "chat",
				Usage:       "render the prompt as a user message through the chat template",
				Destination: &useChat,
			},
			&cli.StringFlag{
				Name:        "stream",
				Usage:       "output mode (instant, quiet)",
				Value:       string(streamInstant),
				Destination: &stream,
			},
			&cli.BoolFlag{
				Name:        "raw",
				Usage:       "escape control characters in the output",
				Destination: &raw,
			},
			&cli.BoolFlag{
				Name:        "stats",
				Usage:       "print token counts and timings to stderr",
				Destination: &showStats,
			},
			&cli.StringFlag{
				Name:        "cpu-profile",
				Usage:       "write a CPU profile to this file",
				Destination: &cpuProfile,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if prompt == "" {
				prompt = strings.Join(cmd.Args().Slice(), " ")
			}
			if prompt == "-" {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("read prompt: %w", err)
				}
				prompt = string(data)
			}
			if strings.TrimSpace(prompt) == "" {
				return cli.Exit("error: a prompt is required (--prompt or argument)", 1)
			}
			mode, err := parseStreamMode(stream)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			if cpuProfile != "" {
				f, err := os.Create(cpuProfile)
				if err != nil {
					return cli.Exit(fmt.Sprintf("could not create CPU profile: %v", err), 1)
				}
				defer func() { _ = f.Close() }()
				if err := pprof.StartCPUProfile(f); err != nil {
					return cli.Exit(fmt.Sprintf("could not start CPU profile: %v", err), 1)
				}
				defer pprof.StopCPUProfile()
			}

			out := newStreamWriter(os.Stdout, mode, raw)
			p, err := opts.open(ctx, cmd, out.write)
			if err != nil {
				return err
			}
			defer func() { _ = p.Close() }()
			defer opts.finish()

			if system != "" || useChat {
				var msgs []callm.Message
				if system != "" {
					msgs = append(msgs, callm.Message{Role: callm.RoleSystem, Content: system})
				}
				msgs = append(msgs, callm.Message{Role: callm.RoleUser, Content: prompt})
				_, err = p.RunChat(ctx, msgs)
			} else {
				_, err = p.Run(ctx, prompt)
			}
			out.flush()
			_, _ = fmt.Fprintln(os.Stdout)
			if showStats {
				printStats(os.Stderr, p.Stats())
			}
			return err
		},
	}
}
