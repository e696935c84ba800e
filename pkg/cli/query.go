package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tsumugi/pkg/usecase/query"
	"github.com/urfave/cli/v3"
)

func queryCommand() *cli.Command {
	var cfg config

	flags := globalFlags(&cfg)
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:      "query",
		Usage:     "Answer a question with the query pipeline",
		ArgsUsage: "<question>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() == 0 {
				return goerr.New("question is required")
			}
			question := strings.Join(c.Args().Slice(), " ")
			ctx = cfg.loggerContext(ctx)

			backend, err := cfg.newBackend(ctx)
			if err != nil {
				return err
			}

			engineCfg, err := cfg.engineConfig()
			if err != nil {
				return err
			}

			queryCache, err := cfg.queryCache()
			if err != nil {
				return err
			}

			engine, err := query.New(query.NewInput{
				Backend: backend,
				Cache:   queryCache,
				Config:  engineCfg,
			})
			if err != nil {
				return goerr.Wrap(err, "failed to create query engine")
			}

			sp := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
			sp.Suffix = " thinking..."
			sp.Start()
			answer, err := engine.Query(ctx, question)
			sp.Stop()
			if err != nil {
				return goerr.Wrap(err, "query failed")
			}

			w := c.Root().Writer
			fmt.Fprintf(w, "%s\n\n", answer.Answer)
			fmt.Fprintf(w, "State:      %s\n", answer.State)
			fmt.Fprintf(w, "Confidence: %.1f%%\n", answer.Confidence*100)
			if len(answer.Sources) > 0 {
				fmt.Fprintf(w, "Sources:\n")
				for _, src := range answer.Sources {
					fmt.Fprintf(w, "  - %s\n", src)
				}
			}
			for _, conflict := range answer.Conflicts {
				fmt.Fprintf(w, "Conflict: %s (%s vs %s): %s\n",
					conflict.Entity, conflict.SourceA, conflict.SourceB, conflict.Description)
			}

			return nil
		},
	}
}
