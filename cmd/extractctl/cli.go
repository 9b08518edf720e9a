package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/adverant/nexus/drawingextract-worker/internal/divisions"
	"github.com/adverant/nexus/drawingextract-worker/internal/errors"
	"github.com/adverant/nexus/drawingextract-worker/internal/processor"
)

// ExtractorFactory builds the pipeline for the extract command. ocrOnly skips
// the vision model.
type ExtractorFactory func(ctx context.Context, c *cli.Context, ocrOnly bool) (processor.Extractor, error)

// newCLIApp creates the CLI application with all commands.
func newCLIApp(factory ExtractorFactory) *cli.App {
	app := &cli.App{
		Name:    "extractctl",
		Usage:   "Run drawing extractions and inspect the division taxonomy",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "taxonomy", EnvVars: []string{"TAXONOMY_FILE"}, Usage: "YAML division taxonomy (defaults to the built-in list)"},
		},
		Commands: []*cli.Command{
			extractCmd(factory),
			classifyCmd(),
			divisionsCmd(),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// extractCmd creates the extract command.
func extractCmd(factory ExtractorFactory) *cli.Command {
	return &cli.Command{
		Name:  "extract",
		Usage: "Extract items from a page image, or from one region of it",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "image", Aliases: []string{"i"}, Required: true, Usage: "Page image path"},
			&cli.StringFlag{Name: "region", Aliases: []string{"r"}, Usage: "Region as x,y,width,height"},
			&cli.IntFlag{Name: "page", Value: 1, Usage: "Page number"},
			&cli.StringFlag{Name: "division", Aliases: []string{"d"}, Usage: "Division id used as the classification fallback"},
			&cli.StringFlag{Name: "sheet-number", Usage: "Sheet number from the title block"},
			&cli.StringFlag{Name: "sheet-name", Usage: "Sheet name from the title block"},
			&cli.StringFlag{Name: "discipline", Usage: "Sheet discipline"},
			&cli.BoolFlag{Name: "ocr-only", Usage: "Never call the vision model"},
			&cli.StringFlag{Name: "provider", EnvVars: []string{"VISION_PROVIDER"}, Value: "anthropic", Usage: "Vision provider: anthropic|gemini|mageagent"},
		},
		Action: func(c *cli.Context) error {
			taxonomy, err := loadTaxonomy(c)
			if err != nil {
				return outputError(err)
			}

			page := c.Int("page")
			if page < 1 {
				return outputError(errors.NewInvalidRequestError("page must be at least 1"))
			}

			req := &processor.ExtractRequest{
				JobID:              uuid.New().String(),
				Page:               processor.PageImageRef{Page: page, Path: c.String("image")},
				AvailableDivisions: taxonomy,
				Sheet: processor.SheetMetadata{
					SheetNumber: c.String("sheet-number"),
					SheetName:   c.String("sheet-name"),
					Discipline:  c.String("discipline"),
				},
			}

			if val := c.String("region"); val != "" {
				region, err := processor.ParseRegion(val, page)
				if err != nil {
					return outputError(errors.NewInvalidRequestError(err.Error()))
				}
				req.Region = region
			}

			if val := c.String("division"); val != "" {
				d, ok := divisions.ParseID(taxonomy, val)
				if !ok {
					return outputError(errors.NewInvalidSelectionError(fmt.Sprintf("unknown division %q", val)))
				}
				req.DivisionContext = &d
			}

			ctx := c.Context

			extractor, err := factory(ctx, c, c.Bool("ocr-only"))
			if err != nil {
				return outputError(err)
			}

			result, err := extractor.ExtractRegionOrPage(ctx, req)
			if err != nil {
				return outputError(err)
			}

			return outputJSON(c.App.Writer, result)
		},
	}
}

// classifyCmd creates the classify command.
func classifyCmd() *cli.Command {
	return &cli.Command{
		Name:      "classify",
		Usage:     "Assign an item name to a division using the keyword rules",
		ArgsUsage: "<item name>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "category", Aliases: []string{"c"}, Usage: "Item category, checked when the name matches no rule"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return outputError(errors.NewInvalidRequestError("item name is required"))
			}

			taxonomy, err := loadTaxonomy(c)
			if err != nil {
				return outputError(err)
			}

			name := strings.Join(c.Args().Slice(), " ")
			return outputJSON(c.App.Writer, divisions.Classify(name, c.String("category"), taxonomy))
		},
	}
}

// divisionsCmd creates the divisions command.
func divisionsCmd() *cli.Command {
	return &cli.Command{
		Name:  "divisions",
		Usage: "List the division taxonomy",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "Validate and list this taxonomy file instead"},
		},
		Action: func(c *cli.Context) error {
			path := c.String("file")
			if path == "" {
				path = c.String("taxonomy")
			}

			taxonomy, err := divisions.LoadTaxonomy(path)
			if err != nil {
				return outputError(err)
			}

			return outputJSON(c.App.Writer, taxonomy)
		},
	}
}

func loadTaxonomy(c *cli.Context) ([]divisions.Division, error) {
	return divisions.LoadTaxonomy(c.String("taxonomy"))
}

// outputJSON writes v as indented JSON.
func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	if extractionErr, ok := errors.From(err); ok {
		return cli.Exit(fmt.Sprintf("[%s] %s", extractionErr.Code, extractionErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}
