package cli

import (
	"context"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tsumugi/pkg/model"
	"github.com/urfave/cli/v3"
)

func historyCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:      "history",
		Usage:     "Show the version history of a content entry",
		ArgsUsage: "<content-id>",
		Flags:     globalFlags(&cfg),
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

			history, err := uc.GetHistory(ctx, contentID)
			if err != nil {
				return goerr.Wrap(err, "failed to get history")
			}

			w := c.Root().Writer
			fmt.Fprintf(w, "History of %s (%d versions):\n\n", contentID, len(history))
			for _, v := range history {
				fmt.Fprintf(w, "v%d  %s", v.Number, v.CreatedAt.Format("2006-01-02 15:04:05"))
				if v.Author != "" {
					fmt.Fprintf(w, "  by %s", v.Author)
				}
				fmt.Fprintf(w, "\n    %s\n", v.Reason)
			}
			return nil
		},
	}
}
