// Command themedump themes a single page, from a URL or a local file, and
// prints the resulting markup. With -remove it removes the theme again and
// prints that instead, which should match the input.
package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"nocturne/internal/dom"
	"nocturne/internal/eventloop"
	"nocturne/internal/filter"
	"nocturne/internal/fixes"
	"nocturne/internal/sheet"
	"nocturne/internal/theme"
)

func main() {
	app := &cli.App{
		Name:      "themedump",
		Usage:     "theme one page and print the markup",
		ArgsUsage: "<url|file>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "theme", Usage: "theme YAML file", EnvVars: []string{"NOCTURNE_THEME"}},
			&cli.StringFlag{Name: "fixes", Usage: "directory of per-site fix files", EnvVars: []string{"NOCTURNE_FIXES_DIR"}},
			&cli.StringFlag{Name: "mode", Usage: "override the theme mode: dark or light"},
			&cli.DurationFlag{Name: "settle", Value: 5 * time.Second, Usage: "how long to wait for stylesheets and images"},
			&cli.BoolFlag{Name: "remove", Usage: "remove the theme after applying it"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "log to stderr"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("expected exactly one url or file", 2)
			}
			logger := zap.NewNop()
			if c.Bool("verbose") {
				dev, err := zap.NewDevelopment()
				if err != nil {
					return err
				}
				logger = dev
			}
			defer logger.Sync()
			return run(logger, c.Args().First(), c.String("theme"), c.String("fixes"), c.String("mode"), c.Duration("settle"), c.Bool("remove"))
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(logger *zap.Logger, target, themePath, fixesDir, mode string, settle time.Duration, remove bool) error {
	cfg, err := filter.LoadThemeConfig(themePath)
	if err != nil {
		return err
	}
	switch strings.ToLower(mode) {
	case "":
	case "dark":
		cfg.Mode = filter.Dark
	case "light":
		cfg.Mode = filter.Light
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}

	fetcher := &localFetcher{remote: sheet.NewHTTPFetcher(nil, nil)}
	ctx, cancel := context.WithTimeout(context.Background(), settle*2)
	defer cancel()
	pageURL, err := pageAddress(target)
	if err != nil {
		return err
	}
	page, err := fetcher.Fetch(ctx, pageURL, "text/html")
	if err != nil {
		return err
	}

	loop := eventloop.New(clockwork.NewRealClock(), logger)
	doc, err := dom.Parse(bytes.NewReader(page.Data), loop, dom.Options{URL: page.URL, Logger: logger})
	if err != nil {
		return fmt.Errorf("parse %s: %w", page.URL, err)
	}
	fix, _ := fixes.NewStore(fixesDir, logger).Find(page.URL)

	mod := filter.NewModifier()
	cache := sheet.NewCache()
	engine := theme.New(doc, theme.Options{
		Logger:   logger,
		Modifier: mod,
		Caches:   []theme.Resetter{cache},
		Factory: theme.SheetFactory(sheet.Options{
			Fetcher:  fetcher,
			Cache:    cache,
			Modifier: mod,
			Fix:      fix,
			Logger:   logger,
		}),
	})
	engine.Establish(cfg, fix, false)
	doc.SetReadyState(dom.Complete)

	wait, stop := context.WithTimeout(context.Background(), settle)
	defer stop()
	if err := loop.RunUntilIdle(wait); err != nil {
		logger.Warn("page did not settle", zap.Error(err))
	}
	if remove {
		engine.Remove()
		loop.RunPending()
	}
	var out bytes.Buffer
	if err := doc.Render(&out); err != nil {
		return err
	}
	logger.Info("done",
		zap.Stringer("state", engine.State()),
		zap.Int("managers", engine.Managers()),
		zap.Int("variables", len(engine.Variables())),
		zap.String("size", humanize.Bytes(uint64(out.Len()))),
	)
	_, err = out.WriteTo(os.Stdout)
	return err
}

// pageAddress turns a command-line argument into a URL, treating anything
// without a scheme as a local path.
func pageAddress(arg string) (string, error) {
	if strings.Contains(arg, "://") {
		return arg, nil
	}
	abs, err := filepath.Abs(arg)
	if err != nil {
		return "", err
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}

// localFetcher reads file: URLs from disk and everything else over HTTP.
type localFetcher struct {
	remote sheet.Fetcher
}

func (f *localFetcher) Fetch(ctx context.Context, rawURL string, accept string) (*sheet.Resource, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "file" {
		return f.remote.Fetch(ctx, rawURL, accept)
	}
	data, err := os.ReadFile(filepath.FromSlash(u.Path))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", u.Path, err)
	}
	return &sheet.Resource{URL: rawURL, Data: data}, nil
}
