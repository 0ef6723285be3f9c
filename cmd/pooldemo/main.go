// pooldemo exercises a poolalloc.Allocator: it replays the classic allocation demos, compares
// strategies under fragmentation, and runs toml scripts of allocator operations.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
	"github.com/vkngwrapper/poolalloc"
	"github.com/vkngwrapper/poolalloc/memutils/metadata"
	"golang.org/x/exp/slog"
)

const defaultPoolSize = 10 * 1024

var (
	PoolSizeFlag = &cli.StringFlag{
		Name:    "pool-size",
		Aliases: []string{"p"},
		Value:   "10 KiB",
		Usage:   "size of the backing pool, e.g. 4096 or \"10 KiB\"",
	}
	StrategyFlag = &cli.StringFlag{
		Name:    "strategy",
		Aliases: []string{"s"},
		Value:   "first-fit",
		Usage:   "allocation strategy: first-fit, best-fit or worst-fit",
	}
	JSONFlag = &cli.BoolFlag{
		Name:  "json",
		Usage: "print statistics as json instead of tables",
	}
	VerboseFlag = &cli.BoolFlag{
		Name:    "verbose",
		Aliases: []string{"v"},
		Usage:   "log every allocator operation to stderr",
	}
	NoColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "disable coloured output",
	}
	SyncFlag = &cli.BoolFlag{
		Name:  "unsynchronized",
		Usage: "create allocators without an internal mutex",
	}
)

var app = &cli.App{
	Name:  "pooldemo",
	Usage: "demonstrate a fixed-size pool allocator",
	Flags: []cli.Flag{
		PoolSizeFlag,
		StrategyFlag,
		JSONFlag,
		VerboseFlag,
		NoColorFlag,
		SyncFlag,
	},
	Commands: []*cli.Command{
		tourCommand,
		basicCommand,
		stringsCommand,
		compareCommand,
		benchCommand,
		runCommand,
	},
	Before: func(ctx *cli.Context) error {
		if ctx.Bool(NoColorFlag.Name) {
			color.NoColor = true
		}
		return nil
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// demo carries the settings shared by every command
type demo struct {
	out      io.Writer
	logger   *slog.Logger
	options  poolalloc.CreateOptions
	poolSize int
	strategy metadata.AllocationStrategy
	json     bool
}

func newDemo(ctx *cli.Context, defaultSize int) (*demo, error) {
	level := slog.LevelWarn
	if ctx.Bool(VerboseFlag.Name) {
		level = slog.LevelDebug
	}

	d := &demo{
		out:      ctx.App.Writer,
		logger:   slog.New(slog.NewTextHandler(ctx.App.ErrWriter, &slog.HandlerOptions{Level: level})),
		poolSize: defaultSize,
		json:     ctx.Bool(JSONFlag.Name),
	}

	if ctx.Bool(SyncFlag.Name) {
		d.options.Flags |= poolalloc.AllocatorCreateExternallySynchronized
	}

	if ctx.IsSet(PoolSizeFlag.Name) {
		size, err := humanize.ParseBytes(ctx.String(PoolSizeFlag.Name))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid --%s", PoolSizeFlag.Name)
		}
		d.poolSize = int(size)
	}

	var err error
	d.strategy, err = metadata.ParseAllocationStrategy(ctx.String(StrategyFlag.Name))
	if err != nil {
		return nil, err
	}

	return d, nil
}

func (d *demo) newAllocator(strategy metadata.AllocationStrategy) (*poolalloc.Allocator, error) {
	return poolalloc.NewInitialized(d.logger, d.poolSize, strategy, d.options)
}

func (d *demo) header(title string) {
	bold := color.New(color.Bold).SprintFunc()
	fmt.Fprintln(d.out)
	fmt.Fprintln(d.out, bold("== "+title+" =="))
}

func (d *demo) printf(format string, args ...interface{}) {
	fmt.Fprintf(d.out, format, args...)
}

func (d *demo) printStats(allocator *poolalloc.Allocator) error {
	if d.json {
		str, err := allocator.BuildStatsString(false)
		if err != nil {
			return err
		}
		fmt.Fprintln(d.out, str)
		return nil
	}

	stats, err := allocator.Stats()
	if err != nil {
		return err
	}

	renderStats(d.out, stats)
	return nil
}

func (d *demo) printMap(allocator *poolalloc.Allocator) error {
	if d.json {
		str, err := allocator.BuildStatsString(true)
		if err != nil {
			return err
		}
		fmt.Fprintln(d.out, str)
		return nil
	}

	blocks, err := allocator.MemoryMap()
	if err != nil {
		return err
	}

	renderMemoryMap(d.out, blocks)
	return nil
}
