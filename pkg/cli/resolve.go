package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/chzyer/readline"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tsumugi/pkg/model"
	"github.com/urfave/cli/v3"
)

func resolveCommand() *cli.Command {
	var (
		cfg        config
		strategy   string
		payload    string
		resolvedBy string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "strategy",
			Aliases:     []string{"s"},
			Usage:       "Resolution strategy (keep_mine, keep_theirs, merge, manual); prompted when omitted",
			Destination: &strategy,
		},
		&cli.StringFlag{
			Name:        "payload",
			Usage:       "Replacement payload for the manual strategy",
			Destination: &payload,
		},
		&cli.StringFlag{
			Name:        "resolved-by",
			Usage:       "Who resolves the conflict",
			Sources:     cli.EnvVars("TSUMUGI_AUTHOR"),
			Destination: &resolvedBy,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:      "resolve",
		Usage:     "Resolve a recorded version conflict",
		ArgsUsage: "<conflict-id>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() == 0 {
				return goerr.New("conflict-id is required")
			}
			conflictID := model.ConflictID(c.Args().Get(0))
			ctx = cfg.loggerContext(ctx)

			uc, cleanup, err := cfg.newContentUseCase(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			if strategy == "" {
				strategy, payload, err = promptStrategy(c)
				if err != nil {
					return err
				}
			}

			version, err := uc.ResolveConflict(ctx, conflictID, model.ResolutionStrategy(strategy), payload, resolvedBy)
			if err != nil {
				return goerr.Wrap(err, "failed to resolve conflict")
			}

			fmt.Fprintf(c.Root().Writer, "Conflict %s resolved: new version %d\n", conflictID, version)
			return nil
		},
	}
}

// promptStrategy asks for the strategy interactively, and for the
// replacement payload when manual is chosen
func promptStrategy(c *cli.Command) (string, string, error) {
	rl, err := readline.New("strategy (keep_mine/keep_theirs/merge/manual)> ")
	if err != nil {
		return "", "", goerr.Wrap(err, "failed to open prompt")
	}
	defer rl.Close()

	line, err := rl.Readline()
	if err != nil {
		return "", "", goerr.Wrap(err, "failed to read strategy")
	}
	strategy := strings.TrimSpace(line)

	var payload string
	if strategy == string(model.StrategyManual) {
		rl.SetPrompt("payload> ")
		line, err := rl.Readline()
		if err != nil {
			return "", "", goerr.Wrap(err, "failed to read payload")
		}
		payload = line
	}

	return strategy, payload, nil
}
