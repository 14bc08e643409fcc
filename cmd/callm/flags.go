package main

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"

	"github.com/MistApproach/callm/internal/chat"
	"github.com/MistApproach/callm/internal/config"
	"github.com/MistApproach/callm/internal/logger"
	"github.com/MistApproach/callm/internal/metrics"
	"github.com/MistApproach/callm/pkg/callm"
)

// options holds every flag. Values from the config file fill in flags the
// user did not set.
type options struct {
	configPath  string
	logLevel    string
	logFormat   string
	metricsFile string

	model        string
	device       string
	precision    string
	threads      int
	maxContext   int
	temperature  float64
	topK         int
	topP         float64
	seed         int64
	maxNewTokens int
	fallback     string
	chatTemplate string
	noProgress   bool
	seedSet      bool

	log      logger.Logger
	registry *prometheus.Registry
}

func (o *options) globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "config file (.yaml or .toml); defaults to the user config dir",
			Destination: &o.configPath,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &o.logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json)",
			Value:       "pretty",
			Destination: &o.logFormat,
		},
		&cli.StringFlag{
			Name:        "metrics-file",
			Usage:       "write Prometheus metrics to this textfile on exit",
			Destination: &o.metricsFile,
		},
	}
}

func (o *options) modelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "checkpoint directory, .safetensors or .gguf file",
			Destination: &o.model,
		},
		&cli.StringFlag{
			Name:        "device",
			Usage:       "execution device (auto, cpu, cuda, metal)",
			Value:       "auto",
			Destination: &o.device,
		},
		&cli.StringFlag{
			Name:        "precision",
			Usage:       "weight precision (auto, f32, f16, bf16)",
			Value:       "auto",
			Destination: &o.precision,
		},
		&cli.IntFlag{
			Name:        "threads",
			Usage:       "worker threads (0 = GOMAXPROCS)",
			Destination: &o.threads,
		},
		&cli.IntFlag{
			Name:        "max-context",
			Aliases:     []string{"ctx", "c"},
			Usage:       "cap the context window (0 = model limit)",
			Destination: &o.maxContext,
		},
		&cli.Float64Flag{
			Name:        "temp",
			Aliases:     []string{"temperature", "t"},
			Usage:       "sampling temperature (0 = greedy)",
			Value:       callm.DefaultTemperature,
			Destination: &o.temperature,
		},
		&cli.IntFlag{
			Name:        "top-k",
			Aliases:     []string{"top_k"},
			Usage:       "keep the k most likely tokens (0 = off)",
			Destination: &o.topK,
		},
		&cli.Float64Flag{
			Name:        "top-p",
			Aliases:     []string{"top_p"},
			Usage:       "nucleus sampling mass in (0,1] (0 = off)",
			Destination: &o.topP,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "sampling RNG seed (default random)",
			Destination: &o.seed,
		},
		&cli.IntFlag{
			Name:        "max-new-tokens",
			Aliases:     []string{"n"},
			Usage:       "stop after this many generated tokens",
			Value:       callm.DefaultMaxNewTokens,
			Destination: &o.maxNewTokens,
		},
		&cli.StringFlag{
			Name:        "template-fallback",
			Usage:       "chat prompt for models without a template (concat, first, error)",
			Value:       "concat",
			Destination: &o.fallback,
		},
		&cli.StringFlag{
			Name:        "chat-template",
			Usage:       "override path to a Jinja chat template",
			Destination: &o.chatTemplate,
		},
		&cli.BoolFlag{
			Name:        "no-progress",
			Usage:       "hide the loading progress bar",
			Destination: &o.noProgress,
		},
	}
}

// setup reads the config file and builds the logger. It runs before every
// subcommand that touches a model.
func (o *options) setup(cmd *cli.Command) error {
	var (
		cfg config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = config.Load(o.configPath)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return err
	}
	o.apply(cmd, cfg)
	o.log = logger.New(os.Stderr, o.logFormat, o.logLevel)
	o.registry = prometheus.NewRegistry()
	return nil
}

// apply copies config values into flags that were not given explicitly.
func (o *options) apply(cmd *cli.Command, cfg config.Config) {
	setString := func(flag string, dst *string, v string) {
		if v != "" && !cmd.IsSet(flag) {
			*dst = v
		}
	}
	setString("model", &o.model, cfg.Model)
	setString("device", &o.device, cfg.Device)
	setString("precision", &o.precision, cfg.Precision)
	setString("template-fallback", &o.fallback, cfg.TemplateFallback)
	setString("log-level", &o.logLevel, cfg.LogLevel)
	setString("log-format", &o.logFormat, cfg.LogFormat)
	setString("metrics-file", &o.metricsFile, cfg.MetricsFile)

	if cfg.Threads != nil && !cmd.IsSet("threads") {
		o.threads = *cfg.Threads
	}
	if cfg.MaxContext != nil && !cmd.IsSet("max-context") {
		o.maxContext = *cfg.MaxContext
	}
	if cfg.Temperature != nil && !cmd.IsSet("temp") {
		o.temperature = *cfg.Temperature
	}
	if cfg.TopK != nil && !cmd.IsSet("top-k") {
		o.topK = *cfg.TopK
	}
	if cfg.TopP != nil && !cmd.IsSet("top-p") {
		o.topP = *cfg.TopP
	}
	if cfg.Seed != nil && !cmd.IsSet("seed") {
		o.seed = *cfg.Seed
	}
	o.seedSet = cmd.IsSet("seed") || cfg.Seed != nil
	if cfg.MaxNewTokens != nil && !cmd.IsSet("max-new-tokens") {
		o.maxNewTokens = *cfg.MaxNewTokens
	}
}

// builder turns the options into a pipeline builder. Unset top-k and top-p
// stay off.
func (o *options) builder(cmd *cli.Command, onToken func(string)) (*callm.Builder, error) {
	if o.model == "" {
		return nil, cli.Exit("error: --model is required (or set model in the config file)", 1)
	}
	fallback, err := chat.ParseFallback(o.fallback)
	if err != nil {
		return nil, err
	}
	b := callm.NewBuilder().
		WithLocation(o.model).
		WithDevice(o.device).
		WithPrecision(o.precision).
		WithThreads(o.threads).
		WithMaxContext(o.maxContext).
		WithTemperature(o.temperature).
		WithMaxNewTokens(o.maxNewTokens).
		WithTemplateFallback(fallback).
		WithLogger(o.log).
		WithMetrics(o.registry).
		WithTokenCallback(onToken)
	if o.topK != 0 || cmd.IsSet("top-k") {
		b.WithTopK(o.topK)
	}
	if o.topP != 0 || cmd.IsSet("top-p") {
		b.WithTopP(o.topP)
	}
	if o.seedSet {
		b.WithSeed(o.seed)
	}
	if o.chatTemplate != "" {
		src, err := os.ReadFile(o.chatTemplate)
		if err != nil {
			return nil, fmt.Errorf("read chat template: %w", err)
		}
		b.WithChatTemplate(string(src))
	}
	if !o.noProgress {
		b.WithProgress(loadProgress())
	}
	return b, nil
}

// open builds and loads the pipeline.
func (o *options) open(ctx context.Context, cmd *cli.Command, onToken func(string)) (*callm.Pipeline, error) {
	if err := o.setup(cmd); err != nil {
		return nil, err
	}
	b, err := o.builder(cmd, onToken)
	if err != nil {
		return nil, err
	}
	return b.Build(ctx)
}

// finish writes the metrics textfile when one was requested.
func (o *options) finish() {
	if o.metricsFile == "" || o.registry == nil {
		return
	}
	if err := metrics.New(o.registry).WriteTextfile(o.metricsFile); err != nil {
		o.log.Warn("write metrics", "path", o.metricsFile, "error", err)
	}
}

// loadProgress draws a bar on stderr while tensors are read.
func loadProgress() func(done, total int) {
	var bar *progressbar.ProgressBar
	return func(done, total int) {
		if bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionSetDescription("Loading tensors"),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
				progressbar.OptionSetTheme(progressbar.Theme{
					Saucer:        "=",
					SaucerHead:    ">",
					SaucerPadding: " ",
					BarStart:      "[",
					BarEnd:        "]",
				}),
			)
		}
		_ = bar.Set(done)
		if done == total {
			_ = bar.Finish()
		}
	}
}
