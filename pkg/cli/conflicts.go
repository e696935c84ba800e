package cli

import (
	"context"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tsumugi/pkg/model"
	"github.com/urfave/cli/v3"
)

func conflictsCommand() *cli.Command {
	var (
		cfg config
		all bool
	)

	flags := []cli.Flag{
		&cli.BoolFlag{
			Name:        "all",
			Aliases:     []string{"a"},
			Usage:       "Include resolved conflicts",
			Destination: &all,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:      "conflicts",
		Usage:     "List version conflicts of a content entry",
		ArgsUsage: "<content-id>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() == 0 {
				return goerr.New("content-id is required")
			}
			contentID := model.ContentID(c.Args().Get(0))
			ctx = cfg.loggerContext(ctx)

			uc, cleanup, err := cfg.newContentUseCase(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			conflicts, err := uc.Conflicts(ctx, contentID)
			if err != nil {
				return goerr.Wrap(err, "failed to list conflicts")
			}

			w := c.Root().Writer
			shown := 0
			for _, conflict := range conflicts {
				if conflict.Resolved && !all {
					continue
				}
				shown++

				fmt.Fprintf(w, "%s\n", conflict.ID)
				fmt.Fprintf(w, "  Expected version: %d, actual: %d\n", conflict.ExpectedVersion, conflict.ActualVersion)
				if conflict.Author != "" {
					fmt.Fprintf(w, "  Author: %s\n", conflict.Author)
				}
				fmt.Fprintf(w, "  Created: %s\n", conflict.CreatedAt.Format("2006-01-02 15:04:05"))
				if conflict.Resolved {
					fmt.Fprintf(w, "  Resolved with %s as version %d\n", conflict.Strategy, conflict.ResolvedVersion)
				}
				fmt.Fprintf(w, "\n")
			}

			if shown == 0 {
				fmt.Fprintf(w, "No conflicts found\n")
			}
			return nil
		},
	}
}
