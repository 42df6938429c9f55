// File: cmd/validate.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ModerRAS/keyforge/internal/decision"
	"github.com/ModerRAS/keyforge/internal/observability"
	"github.com/ModerRAS/keyforge/internal/recognition"
	"github.com/ModerRAS/keyforge/internal/script"
)

// newValidateCmd creates the `validate` command. It checks a script, and
// optionally a rule set and template manifest, without touching the HAL, so
// authors can lint their files before pointing them at a live screen.
func newValidateCmd() *cobra.Command {
	validateCmd := &cobra.Command{
		Use:   "validate <script.json>",
		Short: "Validates a script file without executing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()

			s, err := script.Load(args[0])
			if err != nil {
				return fmt.Errorf("failed to load script: %w", err)
			}
			if err := script.Validate(s); err != nil {
				return fmt.Errorf("script is invalid: %w", err)
			}
			logger.Info("Script is valid",
				zap.String("name", s.Name),
				zap.Int("sequences", len(s.Sequences)),
				zap.Duration("estimated_duration", script.EstimateDuration(s)),
			)

			if rulesPath, _ := cmd.Flags().GetString("rules"); rulesPath != "" {
				rs, rerr := decision.LoadRuleSet(rulesPath)
				if rerr != nil {
					return fmt.Errorf("rule set is invalid: %w", rerr)
				}
				// Compile every condition so syntax errors surface here, not
				// mid-run.
				eval, eerr := decision.NewEngine(logger)
				if eerr != nil {
					return eerr
				}
				for _, r := range rs.Rules {
					if cerr := eval.Check(r.Condition); cerr != nil {
						return fmt.Errorf("rule %q: %w", r.Name, cerr)
					}
					if _, ok := s.SequenceByID(r.ThenSequenceID); !ok {
						return fmt.Errorf("rule %q references missing sequence %s", r.Name, r.ThenSequenceID)
					}
				}
				logger.Info("Rule set is valid", zap.Int("rules", len(rs.Rules)))
			}

			if manifest, _ := cmd.Flags().GetString("templates"); manifest != "" {
				cache, terr := recognition.LoadLibrary(manifest, logger)
				if terr != nil {
					return fmt.Errorf("template library is invalid: %w", terr)
				}
				logger.Info("Template library is valid", zap.Int("templates", cache.Len()))
			}

			fmt.Println("OK")
			return nil
		},
	}

	validateCmd.Flags().String("rules", "", "Also validate this rule set against the script.")
	validateCmd.Flags().String("templates", "", "Also validate this template manifest.")
	return validateCmd
}
