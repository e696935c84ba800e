package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tsumugi/pkg/model"
	"github.com/urfave/cli/v3"
)

func showCommand() *cli.Command {
	var (
		cfg     config
		version int64
	)

	flags := []cli.Flag{
		&cli.IntFlag{
			Name:        "version",
			Aliases:     []string{"v"},
			Usage:       "Show the payload of a specific version instead of the head",
			Destination: &version,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:      "show",
		Usage:     "Show the current head of a content entry",
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

			if version > 0 {
				payload, err := uc.VersionPayload(ctx, contentID, int(version))
				if err != nil {
					return goerr.Wrap(err, "failed to get version payload")
				}
				fmt.Fprintf(c.Root().Writer, "%s\n", payload)
				return nil
			}

			head, err := uc.Get(ctx, contentID)
			if err != nil {
				return goerr.Wrap(err, "failed to get content")
			}

			w := c.Root().Writer
			fmt.Fprintf(w, "ID:      %s\n", head.ID)
			fmt.Fprintf(w, "Type:    %s\n", head.Type)
			fmt.Fprintf(w, "Version: %d\n", head.Version)
			if head.Metadata.Title != "" {
				fmt.Fprintf(w, "Title:   %s\n", head.Metadata.Title)
			}
			if head.Metadata.Author != "" {
				fmt.Fprintf(w, "Author:  %s\n", head.Metadata.Author)
			}
			if len(head.Metadata.Tags) > 0 {
				fmt.Fprintf(w, "Tags:    %s\n", strings.Join(head.Metadata.Tags, ", "))
			}
			fmt.Fprintf(w, "Updated: %s\n\n", head.UpdatedAt.Format("2006-01-02 15:04:05"))
			fmt.Fprintf(w, "%s\n", head.Payload)
			return nil
		},
	}
}
