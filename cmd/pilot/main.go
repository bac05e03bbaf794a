package main

import (
	"bufio"
	"chatpilot/internal/browser"
	"chatpilot/internal/config"
	"chatpilot/internal/cycle"
	"chatpilot/internal/monitor"
	"chatpilot/internal/output"
	"chatpilot/internal/recovery"
	"chatpilot/internal/transcript"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose    bool
	configPath string
	headless   bool
	siteURL    string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "pilot",
	Short: "chatpilot - browser driver for streamed chat services",
	Long: `chatpilot submits prompts to a chat web application through a real
browser, waits until the streamed reply stops changing, recovers from
generation errors with bounded regenerate and fallback retries, and saves
the extracted reply as markdown.

Run without arguments to start the interactive prompt loop.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInteractive()
	},
}

// runCmd executes a single prompt cycle and exits
var runCmd = &cobra.Command{
	Use:   "run <prompt>",
	Short: "Submit one prompt, wait for the reply, save it, exit",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt := strings.Join(args, " ")
		ctx, cancel := signalContext()
		defer cancel()

		stack, err := buildStack(ctx)
		if err != nil {
			return err
		}
		defer stack.Close()

		res, err := stack.Engine.RunPrompt(ctx, prompt)
		if err != nil {
			if errors.Is(err, cycle.ErrCycleFailed) {
				return fmt.Errorf("no usable reply after %d regenerate and %d fallback attempts",
					len(res.Regenerate.Attempts), len(res.Fallback.Attempts))
			}
			return err
		}

		fmt.Println(res.Text)
		if res.OutputPath != "" {
			fmt.Fprintf(os.Stderr, "saved: %s\n", res.OutputPath)
		}
		return nil
	},
}

// historyCmd lists recent transcript entries
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent prompt cycles from the transcript",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		store, err := transcript.Open(cfg.Output.TranscriptDB)
		if err != nil {
			return err
		}
		defer store.Close()

		recs, err := store.Recent(limit)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println("no cycles recorded yet")
			return nil
		}
		for _, rec := range recs {
			marker := " "
			if rec.Recovered {
				marker = "R"
			}
			fmt.Printf("%s  %s  %-9s %s  %s\n",
				rec.StartedAt.Format("2006-01-02 15:04:05"),
				marker, rec.State, truncate(rec.Prompt, 48), rec.OutputPath)
		}
		return nil
	},
}

// inspectCmd dumps the page state the probe sees, for selector debugging
var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Open the page and dump what the selectors resolve to",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		stack, err := buildStack(ctx)
		if err != nil {
			return err
		}
		defer stack.Close()

		snap, err := stack.Probe.Messages(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("messages on page: %d\n", len(snap))
		for id, rec := range snap {
			fmt.Printf("  [%s] %s\n", id, truncate(rec.Text, 80))
		}
		fmt.Printf("thinking indicator visible: %v\n", stack.Probe.ThinkingVisible(ctx))
		if text, ok := stack.Probe.ErrorText(ctx); ok {
			fmt.Printf("error surface: %s\n", truncate(text, 80))
		}
		affordance, err := stack.Probe.CompletionSignalAfter(ctx, "")
		if err == nil {
			fmt.Printf("completion affordance present: %v\n", affordance)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "config file path")
	rootCmd.PersistentFlags().BoolVar(&headless, "headless", false, "run the browser headless")
	rootCmd.PersistentFlags().StringVar(&siteURL, "url", "", "override the target chat URL")

	historyCmd.Flags().Int("limit", 20, "number of cycles to list")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(tuiCmd)
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "chatpilot.yaml"
	}
	return home + "/.chatpilot/config.yaml"
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}

// stack is everything one browser-backed run needs.
type stack struct {
	Config  config.Config
	Session *browser.Session
	Probe   *browser.PageProbe
	Engine  *cycle.Engine
	store   *transcript.Store
}

func (s *stack) Close() {
	if s.store != nil {
		s.store.Close()
	}
	if s.Session != nil {
		s.Session.Close()
	}
}

// pageActions adapts the composer and probe to the recovery engines.
type pageActions struct {
	composer *browser.Composer
	probe    *browser.PageProbe
}

func (a *pageActions) ClickRegenerate(ctx context.Context) error {
	return a.composer.ClickRegenerate(ctx)
}

func (a *pageActions) SubmitPrompt(ctx context.Context, msg string) error {
	return a.composer.SubmitPrompt(ctx, msg)
}

func (a *pageActions) LatestMessageID(ctx context.Context) (string, error) {
	snap, err := a.probe.Messages(ctx)
	if err != nil {
		return "", err
	}
	best, bestOrd := "", -1
	for id, rec := range snap {
		if rec.Ordinal > bestOrd {
			best, bestOrd = id, rec.Ordinal
		}
	}
	return best, nil
}

// buildStack launches the browser, navigates to the chat page, and wires
// the full cycle engine on top of it.
func buildStack(ctx context.Context) (*stack, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if headless {
		cfg.Browser.Headless = true
	}
	if siteURL != "" {
		cfg.Site.URL = siteURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	session, err := browser.NewSession(cfg.Browser, logger)
	if err != nil {
		return nil, err
	}
	if err := session.Navigate(ctx, cfg.Site.URL); err != nil {
		session.Close()
		return nil, err
	}

	live := config.NewLive(cfg)
	locator := browser.NewPageLocator(session.Page(), logger)
	composer := browser.NewComposer(locator, live, logger)
	probe := browser.NewPageProbe(locator, live, logger)
	classifier := monitor.NewClassifier(cfg.Site.ErrorPhrases)
	mon := monitor.New(probe, classifier, monitor.SystemClock{}, cfg.Monitor, logger)

	actions := &pageActions{composer: composer, probe: probe}
	policy := recovery.NewPolicy(cfg.Retry.MaxAttempts, cfg.Retry.JitterMin(), cfg.Retry.JitterMax())
	regen := recovery.NewRegenerator(actions, mon.AwaitCompletion, nil, policy, logger)
	fallback := recovery.NewFallback(actions, mon.AwaitCompletion, nil, policy, cfg.Retry.FallbackMessage, logger)

	writer, err := output.NewWriter(cfg.Output.Dir, logger)
	if err != nil {
		session.Close()
		return nil, err
	}

	var store *transcript.Store
	if cfg.Output.TranscriptDB != "" {
		store, err = transcript.Open(cfg.Output.TranscriptDB)
		if err != nil {
			logger.Warn("transcript store unavailable", zap.Error(err))
			store = nil
		}
	}

	engine := cycle.NewEngine(cycle.Deps{
		Submitter:  composer,
		Snapshots:  probe,
		Await:      mon.AwaitCompletion,
		Regenerate: regen.Run,
		Fallback:   fallback.Run,
		Output:     writer,
		Transcript: storeOrNil(store),
		Config:     cfg,
		Log:        logger,
	}, cfg.Site.URL)
	regen.OnAttempt = engine.NotifyAttempt
	fallback.OnAttempt = engine.NotifyAttempt

	// Selector chains drift with the target site; pick up edits live.
	onReload := func(next config.Config) {
		live.Set(next)
		engine.SetConfig(next)
	}
	if err := config.Watch(ctx, configPath, logger, onReload); err != nil {
		logger.Warn("config watch unavailable", zap.Error(err))
	}

	return &stack{Config: cfg, Session: session, Probe: probe, Engine: engine, store: store}, nil
}

// storeOrNil keeps a typed nil out of the Recorder interface.
func storeOrNil(s *transcript.Store) cycle.Recorder {
	if s == nil {
		return nil
	}
	return s
}

// runInteractive reads prompts from stdin until quit/exit.
func runInteractive() error {
	ctx, cancel := signalContext()
	defer cancel()

	stack, err := buildStack(ctx)
	if err != nil {
		return err
	}
	defer stack.Close()

	fmt.Println("chatpilot interactive - type a prompt, or quit/exit to leave")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			return nil
		}

		start := time.Now()
		res, err := stack.Engine.RunPrompt(ctx, line)
		switch {
		case errors.Is(err, cycle.ErrCycleFailed):
			fmt.Printf("generation failed after %d regenerate and %d fallback attempts\n",
				len(res.Regenerate.Attempts), len(res.Fallback.Attempts))
			continue
		case errors.Is(err, context.Canceled):
			return nil
		case err != nil:
			return err
		}

		fmt.Println()
		fmt.Println(res.Text)
		fmt.Printf("\n[%s, %d polls", time.Since(start).Round(time.Second), res.Polls)
		if res.Regenerate.Recovered || res.Fallback.Recovered {
			fmt.Print(", recovered")
		}
		if res.OutputPath != "" {
			fmt.Printf(", saved %s", res.OutputPath)
		}
		fmt.Println("]")
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
