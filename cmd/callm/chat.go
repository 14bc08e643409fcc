package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/MistApproach/callm/internal/chat"
	"github.com/MistApproach/callm/pkg/callm"
)

func chatCmd(opts *options) *cli.Command {
	var (
		system    string
		messages  string
		once      bool
		showStats bool
	)

	return &cli.Command{
		Name:  "chat",
		Usage: "Chat with a model through its chat template",
		Flags: append(opts.modelFlags(),
			&cli.StringFlag{
				Name:        "system",
				Aliases:     []string{"sys"},
				Usage:       "system message for the conversation",
				Destination: &system,
			},
			&cli.StringFlag{
				Name:        "messages",
				Usage:       "JSON file with the opening messages",
				Destination: &messages,
			},
			&cli.BoolFlag{
				Name:        "once",
				Usage:       "answer the --messages conversation and exit",
				Destination: &once,
			},
			&cli.BoolFlag{
				Name:        "stats",
				Usage:       "print token counts and timings after each reply",
				Destination: &showStats,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			var history []callm.Message
			if system != "" {
				history = append(history, callm.Message{Role: callm.RoleSystem, Content: system})
			}
			if messages != "" {
				loaded, err := chat.LoadMessages(messages)
				if err != nil {
					return err
				}
				history = append(history, loaded...)
			}
			if once && len(history) == 0 {
				return cli.Exit("error: --once needs --messages", 1)
			}

			out := newStreamWriter(os.Stdout, streamInstant, false)
			p, err := opts.open(ctx, cmd, out.write)
			if err != nil {
				return err
			}
			defer func() { _ = p.Close() }()
			defer opts.finish()

			s := &session{
				pipeline: p,
				out:      out,
				history:  history,
				stats:    showStats,
			}
			if once {
				return s.reply(ctx)
			}
			return s.loop(ctx, os.Stdin, term.IsTerminal(int(os.Stdin.Fd())))
		},
	}
}

// session keeps the conversation between turns.
type session struct {
	pipeline *callm.Pipeline
	out      *streamWriter
	history  []callm.Message
	base     int
	stats    bool
}

func (s *session) loop(ctx context.Context, in io.Reader, interactive bool) error {
	s.base = len(s.history)
	if interactive {
		fmt.Println("Type /reset to clear the conversation, /exit to quit.")
	}
	r := bufio.NewReader(in)
	for {
		if interactive {
			fmt.Print("> ")
		}
		line, err := r.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		eof := errors.Is(err, io.EOF)
		line = strings.TrimRight(line, "\r\n")

		switch strings.TrimSpace(line) {
		case "":
		case "/exit", "/quit":
			return nil
		case "/reset":
			s.history = s.history[:s.base]
		default:
			s.history = append(s.history, callm.Message{Role: callm.RoleUser, Content: line})
			if err := s.reply(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				// Keep the session usable after a failed turn.
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				s.history = s.history[:len(s.history)-1]
			}
		}
		if eof {
			return nil
		}
	}
}

// reply generates the assistant turn for the current history.
func (s *session) reply(ctx context.Context) error {
	s.out.reset()
	text, err := s.pipeline.RunChat(ctx, s.history)
	s.out.flush()
	fmt.Println()
	if s.stats {
		printStats(os.Stderr, s.pipeline.Stats())
	}
	if err != nil {
		return err
	}
	s.history = append(s.history, callm.Message{Role: callm.RoleAssistant, Content: text})
	return nil
}
