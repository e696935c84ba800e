package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tsumugi/pkg/model"
	"github.com/urfave/cli/v3"
)

func storeCommand() *cli.Command {
	var (
		cfg         config
		contentType string
		title       string
		author      string
		tags        []string
		input       string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "type",
			Aliases:     []string{"t"},
			Usage:       "Content type (text, markdown, json)",
			Value:       string(model.ContentTypeText),
			Sources:     cli.EnvVars("TSUMUGI_CONTENT_TYPE"),
			Destination: &contentType,
		},
		&cli.StringFlag{
			Name:        "title",
			Usage:       "Content title",
			Destination: &title,
		},
		&cli.StringFlag{
			Name:        "author",
			Aliases:     []string{"a"},
			Usage:       "Author recorded in metadata and versions",
			Sources:     cli.EnvVars("TSUMUGI_AUTHOR"),
			Destination: &author,
		},
		&cli.StringSliceFlag{
			Name:        "tag",
			Usage:       "Metadata tags (repeatable)",
			Destination: &tags,
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
		Name:      "store",
		Usage:     "Store new content as version 1",
		ArgsUsage: "[payload]",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.loggerContext(ctx)

			payload, err := readPayload(c, input)
			if err != nil {
				return err
			}

			uc, cleanup, err := cfg.newContentUseCase(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			stored, err := uc.Store(ctx, payload, model.ContentType(contentType), model.Metadata{
				Title:  title,
				Tags:   tags,
				Author: author,
			})
			if err != nil {
				return goerr.Wrap(err, "failed to store content")
			}

			fmt.Fprintf(c.Root().Writer, "Stored content %s (version %d)\n", stored.ID, stored.Version)
			return nil
		},
	}
}

// readPayload takes the payload from --input, stdin, or the first argument
func readPayload(c *cli.Command, input string) (string, error) {
	switch {
	case input == "-":
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", goerr.Wrap(err, "failed to read payload from stdin")
		}
		return string(data), nil

	case input != "":
		data, err := os.ReadFile(input)
		if err != nil {
			return "", goerr.Wrap(err, "failed to read payload file", goerr.V("path", input))
		}
		return string(data), nil

	case c.Args().Len() > 0:
		return c.Args().Get(0), nil

	default:
		return "", goerr.New("payload is required: pass it as an argument or via --input")
	}
}
