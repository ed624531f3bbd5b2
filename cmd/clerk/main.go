// Command clerk executes reasoning kits: ordered prompt steps run against a
// language model, optionally paused after every step for a human score.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"github.com/clerkhq/clerk/runtime/kit/telemetry"
)

var version = "dev"

type globalFlags struct {
	config   string
	provider string
	model    string
	store    string
	kitsDir  string
	debug    bool
	json     bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:          "clerk",
		Short:        "Run reasoning kits against language models",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			cmd.SetContext(logContext(cmd.Context(), g.debug))
		},
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&g.config, "config", "c", os.Getenv("CLERK_CONFIG"), "YAML configuration file")
	pf.StringVar(&g.provider, "provider", "", "model provider: openai, anthropic or bedrock")
	pf.StringVar(&g.model, "model", "", "model identifier (defaults per provider)")
	pf.StringVar(&g.store, "store", "", "run store: memory, mongo or postgres")
	pf.StringVar(&g.kitsDir, "kits", "", "directory holding kit subdirectories")
	pf.BoolVar(&g.debug, "debug", false, "enable debug logs")
	pf.BoolVar(&g.json, "json", false, "print events and records as JSON")

	root.AddCommand(
		newRunCmd(g),
		newResumeCmd(g),
		newWatchCmd(g),
		newShowCmd(g),
		newKitsCmd(g),
		newInfoCmd(g),
		newImportCmd(g),
		newToolsCmd(g),
		newHealthCmd(g),
	)
	return root
}

// logContext configures clue logging: terminal format on a TTY, JSON
// otherwise.
func logContext(ctx context.Context, debug bool) context.Context {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx = log.Context(ctx, log.WithFormat(format), log.WithOutput(os.Stderr))
	if debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	return ctx
}

// loadConfig reads the configuration and applies the global flags.
func (g *globalFlags) loadConfig() (*Config, error) {
	cfg, err := LoadConfig(g.config)
	if err != nil {
		return nil, err
	}
	if g.provider != "" {
		cfg.Provider = g.provider
		if g.model == "" && cfg.Model == "" {
			cfg.Model = defaultModels[g.provider]
		}
	}
	if g.model != "" {
		cfg.Model = g.model
	}
	if g.store != "" {
		cfg.Store = g.store
	}
	if g.kitsDir != "" {
		cfg.Kits.Dir = g.kitsDir
	}
	return cfg, nil
}

// open loads the configuration and connects the storage backends.
func (g *globalFlags) open(ctx context.Context, adjust func(*Config)) (*app, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	if adjust != nil {
		adjust(cfg)
	}
	tel := telemetry.Set{
		Logger:  telemetry.NewClueLogger(),
		Metrics: telemetry.NewClueMetrics(),
		Tracer:  telemetry.NewClueTracer(),
	}
	return openStorage(ctx, cfg, tel)
}

func closeApp(ctx context.Context, a *app) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "close backends"})
	}
}
