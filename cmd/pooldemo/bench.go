package main

import (
	"fmt"
	"io"
	"math/rand"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/montanaflynn/stats"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"
	"github.com/vkngwrapper/poolalloc"
	"github.com/vkngwrapper/poolalloc/memutils"
	"github.com/vkngwrapper/poolalloc/memutils/metadata"
)

var (
	TrialsFlag = &cli.IntFlag{
		Name:  "trials",
		Value: 20,
		Usage: "number of randomized trials per strategy",
	}
	AllocsFlag = &cli.IntFlag{
		Name:  "allocs",
		Value: 50,
		Usage: "number of allocations per trial",
	}
	LargeFlag = &cli.IntFlag{
		Name:  "large",
		Value: 150,
		Usage: "size of the allocation attempted after fragmenting the pool",
	}
	SeedFlag = &cli.Int64Flag{
		Name:  "seed",
		Value: 1,
		Usage: "seed for the first trial; trial n uses seed+n",
	}

	benchCommand = &cli.Command{
		Name:  "bench",
		Usage: "compare fragmentation between strategies over randomized trials",
		Flags: []cli.Flag{
			TrialsFlag,
			AllocsFlag,
			LargeFlag,
			SeedFlag,
		},
		Action: benchCmd,
	}
)

type benchmarkConfig struct {
	Trials int
	Allocs int
	Large  int
	Seed   int64
}

// trialResult is the state of a pool after one fragmentation trial
type trialResult struct {
	LargeAllocated bool
	Fragmentation  float64
	FreeBlocks     int
}

// benchmarkSummary aggregates the trials for a single strategy
type benchmarkSummary struct {
	Strategy          metadata.AllocationStrategy
	Trials            int
	LargeAllocations  int
	FragmentationMean float64
	FragmentationStd  float64
	FragmentationMed  float64
	FragmentationMax  float64
	FreeBlocksMean    float64
}

// runTrial allocates random sizes between 10 and 99 bytes, releases every other allocation, and then
// attempts a single large allocation in the fragmented pool
func runTrial(d *demo, strategy metadata.AllocationStrategy, config benchmarkConfig, rng *rand.Rand) (trialResult, error) {
	var result trialResult

	allocator, err := d.newAllocator(strategy)
	if err != nil {
		return result, err
	}
	defer allocator.Teardown()

	handles := make([]poolalloc.Handle, config.Allocs)
	for i := range handles {
		size := 10 + rng.Intn(90)
		handles[i], err = allocator.Allocate(size)
		if err != nil && !errors.Is(err, memutils.OutOfMemoryError) {
			return result, err
		}
	}

	for i := 0; i < len(handles); i += 2 {
		err = allocator.Release(handles[i])
		if err != nil {
			return result, err
		}
	}

	large, err := allocator.Allocate(config.Large)
	if err == nil {
		result.LargeAllocated = true
		err = allocator.Release(large)
		if err != nil {
			return result, err
		}
	} else if !errors.Is(err, memutils.OutOfMemoryError) {
		return result, err
	}

	poolStats, err := allocator.Stats()
	if err != nil {
		return result, err
	}

	result.Fragmentation = poolStats.Fragmentation
	result.FreeBlocks = poolStats.FreeBlockCount
	return result, nil
}

func runBenchmark(d *demo, strategy metadata.AllocationStrategy, config benchmarkConfig) (benchmarkSummary, error) {
	summary := benchmarkSummary{
		Strategy: strategy,
		Trials:   config.Trials,
	}

	var fragmentation, freeBlocks stats.Float64Data
	for trial := 0; trial < config.Trials; trial++ {
		rng := rand.New(rand.NewSource(config.Seed + int64(trial)))

		result, err := runTrial(d, strategy, config, rng)
		if err != nil {
			return summary, errors.Wrapf(err, "%s trial %d", strategy, trial)
		}

		if result.LargeAllocated {
			summary.LargeAllocations++
		}
		fragmentation = append(fragmentation, result.Fragmentation)
		freeBlocks = append(freeBlocks, float64(result.FreeBlocks))
	}

	var err error
	summary.FragmentationMean, err = stats.Mean(fragmentation)
	if err != nil {
		return summary, err
	}
	summary.FragmentationStd, err = stats.StandardDeviation(fragmentation)
	if err != nil {
		return summary, err
	}
	summary.FragmentationMed, err = stats.Median(fragmentation)
	if err != nil {
		return summary, err
	}
	summary.FragmentationMax, err = stats.Max(fragmentation)
	if err != nil {
		return summary, err
	}
	summary.FreeBlocksMean, err = stats.Mean(freeBlocks)
	if err != nil {
		return summary, err
	}

	return summary, nil
}

func benchCmd(ctx *cli.Context) error {
	d, err := newDemo(ctx, defaultPoolSize)
	if err != nil {
		return err
	}

	config := benchmarkConfig{
		Trials: ctx.Int(TrialsFlag.Name),
		Allocs: ctx.Int(AllocsFlag.Name),
		Large:  ctx.Int(LargeFlag.Name),
		Seed:   ctx.Int64(SeedFlag.Name),
	}
	if config.Trials < 1 {
		return errors.Newf("--%s must be at least 1", TrialsFlag.Name)
	}
	if config.Allocs < 1 {
		return errors.Newf("--%s must be at least 1", AllocsFlag.Name)
	}

	var summaries []benchmarkSummary
	for _, strategy := range []metadata.AllocationStrategy{
		metadata.AllocationStrategyFirstFit,
		metadata.AllocationStrategyBestFit,
		metadata.AllocationStrategyWorstFit,
	} {
		summary, err := runBenchmark(d, strategy, config)
		if err != nil {
			return err
		}
		summaries = append(summaries, summary)
	}

	if d.json {
		fmt.Fprintln(d.out, string(benchmarkJSON(summaries)))
		return nil
	}

	d.header("Fragmentation benchmark")
	d.printf("%d trials of %d random allocations in a %s pool, releasing every other one, then allocating %d bytes\n",
		config.Trials, config.Allocs, formatBytes(d.poolSize), config.Large)
	renderBenchmark(d.out, summaries)
	return nil
}

func benchmarkJSON(summaries []benchmarkSummary) []byte {
	writer := jwriter.NewWriter()
	arr := writer.Array()
	for _, summary := range summaries {
		obj := arr.Object()
		obj.Name("Strategy").String(summary.Strategy.String())
		obj.Name("Trials").Int(summary.Trials)
		obj.Name("LargeAllocations").Int(summary.LargeAllocations)
		obj.Name("FragmentationMean").Float64(summary.FragmentationMean)
		obj.Name("FragmentationStdDev").Float64(summary.FragmentationStd)
		obj.Name("FragmentationMedian").Float64(summary.FragmentationMed)
		obj.Name("FragmentationMax").Float64(summary.FragmentationMax)
		obj.Name("FreeBlocksMean").Float64(summary.FreeBlocksMean)
		obj.End()
	}
	arr.End()

	return writer.Bytes()
}

func renderBenchmark(w io.Writer, summaries []benchmarkSummary) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Strategy", "Large alloc", "Frag mean", "Frag stddev", "Frag median", "Frag max", "Free blocks"})
	table.SetAlignment(tablewriter.ALIGN_RIGHT)

	for _, summary := range summaries {
		table.Append([]string{
			summary.Strategy.String(),
			strconv.Itoa(summary.LargeAllocations) + "/" + strconv.Itoa(summary.Trials),
			fmt.Sprintf("%.2f%%", summary.FragmentationMean),
			fmt.Sprintf("%.2f", summary.FragmentationStd),
			fmt.Sprintf("%.2f%%", summary.FragmentationMed),
			fmt.Sprintf("%.2f%%", summary.FragmentationMax),
			fmt.Sprintf("%.1f", summary.FreeBlocksMean),
		})
	}

	table.Render()
}
