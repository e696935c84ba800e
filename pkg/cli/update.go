package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tsumugi/pkg/model"
	"github.com/m-mizutani/tsumugi/pkg/usecase/content"
	"github.com/urfave/cli/v3"
)

func updateCommand() *cli.Command {
	var (
		cfg             config
		expectedVersion int64
		reason          string
		author          string
		input           string
	)

	flags := []cli.Flag{
		&cli.IntFlag{
			Name:        "expected-version",
			Aliases:     []string{"v"},
			Usage:       "Version the update is based on",
			Required:    true,
			Destination: &expectedVersion,
		},
		&cli.StringFlag{
			Name:        "reason",
			Usage:       "Change reason recorded in the version history",
			Destination: &reason,
		},
		&cli.StringFlag{
			Name:        "author",
			Aliases:     []string{"a"},
			Usage:       "Author of the change",
			Sources:     cli.EnvVars("TSUMUGI_AUTHOR"),
			Destination: &author,
		},
		&cli.StringFlag{
			Name:        "input",
			Aliases:     []string{"i"},
			Usage:       "Read the payload from a file instead of the argument ('-' for stdin)",
			Destination: &input,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:      "update",
		Usage:     "Update content with optimistic concurrency",
		ArgsUsage: "<content-id> [payload]",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() == 0 {
				return goerr.New("content-id is required")
			}
			contentID := model.ContentID(c.Args().Get(0))
			ctx = cfg.loggerContext(ctx)

			payload, err := readUpdatePayload(c, input)
			if err != nil {
				return err
			}

			uc, cleanup, err := cfg.newContentUseCase(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			version, err := uc.Update(ctx, contentID, payload, int(expectedVersion), reason, author)
			if err != nil {
				var conflictErr *content.ConflictError
				if errors.As(err, &conflictErr) {
					conflict := conflictErr.Conflict
					fmt.Fprintf(c.Root().Writer, "Update rejected: expected version %d but head is %d\n",
						conflict.ExpectedVersion, conflict.ActualVersion)
					fmt.Fprintf(c.Root().Writer, "Conflict %s recorded. Resolve it with:\n", conflict.ID)
					fmt.Fprintf(c.Root().Writer, "  tsumugi resolve %s --strategy <keep_mine|keep_theirs|merge|manual>\n", conflict.ID)
					return err
				}
				return goerr.Wrap(err, "failed to update content")
			}

			fmt.Fprintf(c.Root().Writer, "Updated content %s to version %d\n", contentID, version)
			return nil
		},
	}
}

func readUpdatePayload(c *cli.Command, input string) (string, error) {
	if input == "" && c.Args().Len() < 2 {
		return "", goerr.New("payload is required: pass it as the second argument or via --input")
	}
	if input != "" {
		return readPayload(c, input)
	}
	return c.Args().Get(1), nil
}
