// Command heapsim builds a set of heaps from a TOML layout, replays an allocation script against them
// and prints the resulting statistics as JSON.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/newtonresearch/newton-framework-sub009/memory"
	"github.com/urfave/cli/v2"
	"golang.org/x/exp/slog"
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "TOML file describing the heaps to create",
	}
	scriptFlag = &cli.StringFlag{
		Name:    "script",
		Aliases: []string{"s"},
		Usage:   "allocation script to replay, - for stdin",
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Value: "info",
		Usage: "minimum level logged to stderr (debug|info|warn|error)",
	}
	detailedFlag = &cli.BoolFlag{
		Name:  "detailed",
		Usage: "include a map of every block in the statistics",
	}
	relocationsFlag = &cli.BoolFlag{
		Name:  "relocations",
		Usage: "log every block moved by the allocator",
	}
)

var app = &cli.App{
	Name:  "heapsim",
	Usage: "replay allocation scripts against simulated heaps",
	Flags: []cli.Flag{
		configFlag,
		scriptFlag,
		logLevelFlag,
		detailedFlag,
		relocationsFlag,
	},
	Action: run,
}

func parseLevel(text string) (slog.Level, error) {
	switch strings.ToLower(text) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, errors.Newf("unknown log level %s", text)
}

func run(ctx *cli.Context) error {
	level, err := parseLevel(ctx.String(logLevelFlag.Name))
	if err != nil {
		return err
	}
	logger := slog.New(slog.HandlerOptions{Level: level}.NewTextHandler(os.Stderr))

	config, err := loadConfig(ctx.String(configFlag.Name))
	if err != nil {
		return err
	}

	allocator, err := memory.New(logger, memory.CreateOptions{
		DefaultPageSize:        config.Allocator.PageSize,
		DefaultMasterBatchSize: config.Allocator.MasterBatchSize,
	})
	if err != nil {
		return err
	}

	var onRelocate memory.RelocationCallback
	if ctx.Bool(relocationsFlag.Name) {
		onRelocate = func(event memory.RelocationEvent) {
			logger.Info("relocated",
				slog.Int("heap", int(event.HeapID)),
				slog.String("from", fmt.Sprintf("%#x", event.Old)),
				slog.String("to", fmt.Sprintf("%#x", event.New)),
				slog.Int("size", event.Size),
			)
		}
	}

	heaps, err := buildHeaps(allocator, config, onRelocate)
	if err != nil {
		return err
	}

	if path := ctx.String(scriptFlag.Name); path != "" {
		script := os.Stdin
		if path != "-" {
			script, err = os.Open(path)
			if err != nil {
				return errors.Wrapf(err, "failed to open script %s", path)
			}
			defer script.Close()
		}

		err = newSimulator(logger, allocator, heaps).Run(script)
		if err != nil {
			return err
		}
	}

	for _, heap := range allocator.Heaps() {
		if err := heap.Validate(); err != nil {
			return err
		}
	}

	fmt.Fprintln(ctx.App.Writer, allocator.BuildStatsString(ctx.Bool(detailedFlag.Name)))
	return nil
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
