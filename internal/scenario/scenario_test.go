package scenario_test

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/poolalloc"
	"github.com/vkngwrapper/poolalloc/internal/scenario"
	"github.com/vkngwrapper/poolalloc/memutils"
	"github.com/vkngwrapper/poolalloc/memutils/metadata"
	"golang.org/x/exp/slog"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadScript(t *testing.T) {
	script, err := scenario.Load("testdata/fragmentation.toml")
	require.NoError(t, err)

	require.Equal(t, 1024, script.PoolBytes())
	require.Equal(t, metadata.AllocationStrategyBestFit, script.AllocationStrategy())
	require.Len(t, script.Steps, 12)
	require.Equal(t, scenario.OpAlloc, script.Steps[0].Op)
	require.Equal(t, "a", script.Steps[0].Name)
}

func TestRunScript(t *testing.T) {
	script, err := scenario.Load("testdata/fragmentation.toml")
	require.NoError(t, err)

	allocator, err := script.NewAllocator(discardLogger(), poolalloc.CreateOptions{})
	require.NoError(t, err)

	runner := scenario.NewRunner(discardLogger(), allocator)

	var results []scenario.StepResult
	err = runner.Run(script, func(result scenario.StepResult) error {
		results = append(results, result)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, results, 12)

	require.ErrorIs(t, results[4].Err, memutils.OutOfMemoryError)
	require.ErrorIs(t, results[5].Err, memutils.DoubleReleaseError)

	// a keeps its handle because resize never shrinks
	require.Equal(t, results[0].Handle, results[8].Handle)

	last := results[len(results)-1]
	require.Equal(t, 2, last.Stats.LiveAllocationCount)
	require.Equal(t, 4, last.Stats.AllocationCount)
	require.Equal(t, 2, last.Stats.FreeCount)

	mapResult := results[10]
	require.Len(t, mapResult.Blocks, mapResult.Stats.BlockCount)

	handle, ok := runner.Handle("big")
	require.True(t, ok)
	require.Equal(t, results[7].Handle, handle)
}

func TestRunStopsOnUnmetExpectation(t *testing.T) {
	script, err := scenario.Parse(`
pool_size = "256"

[[step]]
op = "alloc"
name = "a"
size = "1 KiB"
expect = "ok"
`)
	require.NoError(t, err)

	allocator, err := script.NewAllocator(discardLogger(), poolalloc.CreateOptions{})
	require.NoError(t, err)

	err = scenario.NewRunner(discardLogger(), allocator).Run(script, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "step 1 (alloc)")
}

func TestRunUnknownName(t *testing.T) {
	script, err := scenario.Parse(`
pool_size = "256"

[[step]]
op = "free"
name = "missing"
`)
	require.NoError(t, err)

	allocator, err := script.NewAllocator(discardLogger(), poolalloc.CreateOptions{})
	require.NoError(t, err)

	err = scenario.NewRunner(discardLogger(), allocator).Run(script, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), `no allocation named "missing"`)
}

func TestParseErrors(t *testing.T) {
	testCases := map[string]string{
		"MissingPoolSize": `strategy = "first-fit"`,
		"BadPoolSize":     `pool_size = "lots"`,
		"BadStrategy": `
pool_size = "1 KiB"
strategy = "next-fit"`,
		"UnknownKey": `
pool_size = "1 KiB"
colour = "blue"`,
		"UnknownOp": `
pool_size = "1 KiB"
[[step]]
op = "defragment"`,
		"MissingSize": `
pool_size = "1 KiB"
[[step]]
op = "alloc"
name = "a"`,
		"MissingName": `
pool_size = "1 KiB"
[[step]]
op = "free"`,
		"UnknownExpectation": `
pool_size = "1 KiB"
[[step]]
op = "coalesce"
expect = "maybe"`,
		"Malformed": `pool_size = `,
	}

	for name, source := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := scenario.Parse(source)
			require.Error(t, err)
		})
	}
}
