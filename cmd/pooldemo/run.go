package main

import (
	"github.com/cockroachdb/errors"
	"github.com/urfave/cli/v2"
	"github.com/vkngwrapper/poolalloc/internal/scenario"
)

var runCommand = &cli.Command{
	Name:      "run",
	Usage:     "replay a toml script of allocator operations",
	ArgsUsage: "<script.toml>",
	Action:    runCmd,
}

func runCmd(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return errors.New("run requires exactly one script path")
	}

	d, err := newDemo(ctx, defaultPoolSize)
	if err != nil {
		return err
	}

	script, err := scenario.Load(ctx.Args().First())
	if err != nil {
		return err
	}

	return d.runScript(script)
}

func (d *demo) runScript(script *scenario.Script) error {
	d.poolSize = script.PoolBytes()
	d.strategy = script.AllocationStrategy()

	allocator, err := d.newAllocator(d.strategy)
	if err != nil {
		return err
	}
	defer allocator.Teardown()

	if script.Description != "" {
		d.header(script.Description)
	}
	d.printf("Pool of %s, %s\n", formatBytes(d.poolSize), d.strategy)

	runner := scenario.NewRunner(d.logger, allocator)
	err = runner.Run(script, func(result scenario.StepResult) error {
		step := result.Step
		line := string(step.Op)
		if step.Name != "" {
			line += " " + step.Name
		}
		if step.Size != "" {
			line += " " + step.Size
		}

		switch {
		case result.Err != nil:
			d.printf("%3d  %-24s %s\n", result.Index, line, usedColor(result.Err.Error()))
		case step.Op == scenario.OpCoalesce:
			d.printf("%3d  %-24s %d merges\n", result.Index, line, result.Merges)
		case result.Handle != 0:
			d.printf("%3d  %-24s handle %d\n", result.Index, line, result.Handle)
		default:
			d.printf("%3d  %s\n", result.Index, line)
		}

		switch step.Op {
		case scenario.OpMap:
			if d.json {
				return d.printMap(allocator)
			}
			renderMemoryMap(d.out, result.Blocks)
		case scenario.OpStats:
			if d.json {
				return d.printStats(allocator)
			}
			renderStats(d.out, result.Stats)
		}

		return nil
	})
	if err != nil {
		return err
	}

	return d.printStats(allocator)
}
