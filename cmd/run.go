// File: cmd/run.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ModerRAS/keyforge/api/schemas"
	"github.com/ModerRAS/keyforge/internal/config"
	"github.com/ModerRAS/keyforge/internal/controller"
	"github.com/ModerRAS/keyforge/internal/decision"
	"github.com/ModerRAS/keyforge/internal/executor"
	"github.com/ModerRAS/keyforge/internal/hal"
	"github.com/ModerRAS/keyforge/internal/observability"
	"github.com/ModerRAS/keyforge/internal/recognition"
	"github.com/ModerRAS/keyforge/internal/script"
)

// newRunCmd creates and configures the `run` command.
func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run <script.json>",
		Short: "Runs a script, optionally under a closed-loop rule set",
		Long: `Without --rules the script's sequences play back once, in order. With
--rules the controller runs the closed loop: capture, recognize, evaluate
rules, and execute whatever sequence the first matching rule selects, until
stopped or the loop timeout elapses.`,
		Args: cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags so command-line values override config file and env.
			if err := viper.BindPFlag("loop.loop_interval", cmd.Flags().Lookup("interval")); err != nil {
				return err
			}
			if err := viper.BindPFlag("loop.timeout", cmd.Flags().Lookup("timeout")); err != nil {
				return err
			}
			return viper.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			logger := observability.GetLogger()

			cfg := appConfig
			rulesPath, _ := cmd.Flags().GetString("rules")
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			cfg.SetRunConfig(config.RunConfig{
				ScriptPath: args[0],
				RulesPath:  rulesPath,
				DryRun:     dryRun,
			})

			components, err := initializeRunComponents(ctx, cfg, logger)
			if err != nil {
				if components != nil {
					components.Shutdown()
				}
				return fmt.Errorf("failed to initialize run components: %w", err)
			}
			defer components.Shutdown()

			if rulesPath == "" {
				return playback(ctx, components, logger)
			}
			return runLoop(ctx, components, logger)
		},
	}

	runCmd.Flags().String("rules", "", "Rule set file enabling closed-loop mode. If unset, the script plays back once.")
	runCmd.Flags().Bool("dry-run", false, "Use the in-memory adapter: no real input is injected.")
	runCmd.Flags().Duration("interval", 0, "Tick interval for the closed loop. (Overrides config/env)")
	runCmd.Flags().Duration("timeout", 0, "Overall run deadline; 0 runs until stopped. (Overrides config/env)")

	return runCmd
}

// runComponents holds initialized services.
type runComponents struct {
	HAL        hal.HAL
	Injector   *hal.Injector
	Templates  *recognition.Cache
	Recognizer *recognition.Engine
	Decider    *decision.Engine
	Machine    *decision.Machine
	Executor   *executor.Executor
	Script     *schemas.Script
	Rules      []schemas.DecisionRule
	Controller *controller.Controller

	logger *zap.Logger
}

// Shutdown releases input devices and closes the adapter.
func (rc *runComponents) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if rc.Injector != nil {
		if err := rc.Injector.ReleaseAll(ctx); err != nil {
			rc.logger.Warn("Error releasing input devices during shutdown", zap.Error(err))
		}
	}
	if rc.HAL != nil {
		if err := rc.HAL.Close(); err != nil {
			rc.logger.Warn("Error closing platform adapter", zap.Error(err))
		}
	}
}

// initializeRunComponents handles dependency injection.
func initializeRunComponents(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*runComponents, error) {
	components := &runComponents{logger: logger}

	// 1. Script
	s, err := script.Load(cfg.Run().ScriptPath)
	if err != nil {
		return components, fmt.Errorf("failed to load script: %w", err)
	}
	if err := script.Validate(s); err != nil {
		return components, fmt.Errorf("script is invalid: %w", err)
	}
	components.Script = s

	// 2. Platform adapter
	adapter, err := newAdapter(ctx, cfg, logger)
	if err != nil {
		return components, err
	}
	components.HAL = adapter
	components.Injector = hal.NewInjector(adapter, logger)

	// 3. Template library. Optional: scripts without image actions run fine
	// without one.
	if manifest := cfg.Templates().Manifest; manifest != "" {
		cache, lerr := recognition.LoadLibrary(manifest, logger)
		if lerr != nil {
			logger.Warn("Template library not loaded; image actions will fail",
				zap.String("manifest", manifest),
				zap.Error(lerr),
			)
			cache = recognition.NewCache()
		}
		components.Templates = cache
	} else {
		components.Templates = recognition.NewCache()
	}

	// 4. Recognition and decision engines
	components.Recognizer = recognition.NewEngine(logger,
		recognition.WithPartialFloor(cfg.Recognition().PartialFloor))
	components.Decider, err = decision.NewEngine(logger)
	if err != nil {
		return components, fmt.Errorf("failed to build condition evaluator: %w", err)
	}

	// 5. Rule set (closed-loop mode only)
	if path := cfg.Run().RulesPath; path != "" {
		rs, rerr := decision.LoadRuleSet(path)
		if rerr != nil {
			return components, fmt.Errorf("failed to load rule set: %w", rerr)
		}
		components.Rules = rs.Rules
		if rs.StateMachine != nil {
			components.Machine, rerr = decision.NewMachine(*rs.StateMachine, components.Decider, logger)
			if rerr != nil {
				return components, fmt.Errorf("failed to build state machine: %w", rerr)
			}
		}
	}

	// 6. Executor over the script's sequences
	seqResolver := executor.SequenceResolverFunc(s.SequenceByID)
	components.Executor, err = executor.New(
		components.Injector, adapter, components.Recognizer, components.Templates,
		components.Decider, seqResolver, logger,
		executor.Options{
			PollInterval:  cfg.Loop().PollInterval,
			CaptureRegion: cfg.Loop().ScreenRegion.ToImageRect(),
		},
	)
	if err != nil {
		return components, fmt.Errorf("failed to build executor: %w", err)
	}

	// 7. Controller (closed-loop mode only)
	if len(components.Rules) > 0 {
		components.Controller, err = controller.New(cfg.Loop(), components.Rules, controller.Deps{
			HAL:        adapter,
			Injector:   components.Injector,
			Recognizer: components.Recognizer,
			Templates:  components.Templates,
			Rules:      components.Decider,
			Machine:    components.Machine,
			Executor:   components.Executor,
			Resolver:   seqResolver,
			Sink:       controller.NewRing(cfg.Loop().TelemetryBuffer),
			Logger:     logger,
			StopCombo:  cfg.HAL().EmergencyStopCombo,
		})
		if err != nil {
			return components, fmt.Errorf("failed to build controller: %w", err)
		}
	}

	return components, nil
}

// newAdapter selects the platform adapter from configuration. --dry-run
// forces the in-memory adapter regardless of the configured backend.
func newAdapter(ctx context.Context, cfg config.Interface, logger *zap.Logger) (hal.HAL, error) {
	backend := cfg.HAL().Backend
	if cfg.Run().DryRun {
		backend = "memory"
		logger.Info("Dry run requested; using the in-memory adapter")
	}
	switch backend {
	case "desktop":
		return hal.NewDesktop(cfg.HAL().CallTimeout, logger), nil
	case "browser":
		return hal.NewBrowser(ctx, hal.BrowserOptions{
			Headless:    cfg.HAL().Browser.Headless,
			URL:         cfg.HAL().Browser.URL,
			NavTimeout:  cfg.HAL().Browser.NavTimeout,
			CallTimeout: cfg.HAL().CallTimeout,
		}, logger)
	case "memory":
		return hal.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown hal backend %q", backend)
	}
}

// playback executes the script's sequences once, in recorded order.
func playback(ctx context.Context, components *runComponents, logger *zap.Logger) error {
	s := components.Script
	if err := script.Activate(s); err != nil {
		return err
	}

	ordered := make([]schemas.ActionSequence, len(s.Sequences))
	copy(ordered, s.Sequences)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	exCtx := schemas.NewExecutionContext(0)
	for _, seq := range ordered {
		res := components.Executor.Execute(ctx, seq, exCtx)
		exCtx.PriorResults = append(exCtx.PriorResults, res.Actions...)
		logger.Info("Sequence finished",
			zap.String("sequence", seq.Name),
			zap.String("status", string(res.Status)),
			zap.Int("actions", len(res.Actions)),
			zap.Duration("elapsed", res.Elapsed),
		)
		if res.Status != schemas.ExecutionSuccess {
			_ = script.Stop(s)
			if res.Status == schemas.ExecutionCancelled {
				return fmt.Errorf("playback aborted by user signal")
			}
			return fmt.Errorf("sequence %q failed", seq.Name)
		}
	}
	if err := script.Stop(s); err != nil {
		return err
	}
	fmt.Printf("\nPlayback complete. %d sequence(s) executed.\n", len(ordered))
	return nil
}

// runLoop drives the closed-loop controller until it stops.
func runLoop(ctx context.Context, components *runComponents, logger *zap.Logger) error {
	s := components.Script
	if err := script.Activate(s); err != nil {
		return err
	}
	defer func() { _ = script.Stop(s) }()

	if err := components.Controller.Start(ctx); err != nil {
		return err
	}
	err := components.Controller.Wait()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("Run aborted gracefully")
			return fmt.Errorf("run aborted by user signal")
		}
		logger.Error("Closed loop terminated with error", zap.Error(err))
		return err
	}

	history := components.Controller.History()
	fmt.Printf("\nRun complete. %d tick(s) recorded (status: %s).\n",
		len(history), components.Controller.Status())
	return nil
}
