package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/vkngwrapper/poolalloc"
)

var (
	freeColor = color.New(color.FgGreen).SprintFunc()
	usedColor = color.New(color.FgRed).SprintFunc()
)

func formatBytes(size int) string {
	if size < 1024 {
		return fmt.Sprintf("%d B", size)
	}
	return fmt.Sprintf("%s (%d B)", humanize.IBytes(uint64(size)), size)
}

func percentOf(part, total int) string {
	if total == 0 {
		return "0.0%"
	}
	return fmt.Sprintf("%.1f%%", float64(part)/float64(total)*100.0)
}

// renderMemoryMap prints one row per block in address order
func renderMemoryMap(w io.Writer, blocks []poolalloc.BlockDescriptor) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Block", "Offset", "Handle", "Size", "Status"})
	table.SetAlignment(tablewriter.ALIGN_RIGHT)

	for _, block := range blocks {
		status := usedColor("USED")
		if block.Free {
			status = freeColor("FREE")
		}

		table.Append([]string{
			strconv.Itoa(block.Index),
			strconv.Itoa(block.Offset),
			strconv.FormatUint(uint64(block.Handle), 10),
			formatBytes(block.Size),
			status,
		})
	}

	table.Render()
}

// renderStats prints a statistics snapshot as a two column table
func renderStats(w io.Writer, stats poolalloc.AllocatorStatistics) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Statistic", "Value"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	table.AppendBulk([][]string{
		{"Strategy", stats.Strategy.String()},
		{"Pool", formatBytes(stats.PoolBytes)},
		{"Total", formatBytes(stats.TotalBytes)},
		{"Used", formatBytes(stats.UsedBytes) + " " + percentOf(stats.UsedBytes, stats.TotalBytes)},
		{"Free", formatBytes(stats.FreeBytes) + " " + percentOf(stats.FreeBytes, stats.TotalBytes)},
		{"Block headers", formatBytes(stats.MetadataBytes)},
		{"Largest free block", formatBytes(stats.LargestFreeBytes)},
		{"Blocks", strconv.Itoa(stats.BlockCount)},
		{"Free blocks", strconv.Itoa(stats.FreeBlockCount)},
		{"Allocated blocks", strconv.Itoa(stats.LiveAllocationCount)},
		{"Allocations", strconv.Itoa(stats.AllocationCount)},
		{"Frees", strconv.Itoa(stats.FreeCount)},
		{"Fragmentation", fmt.Sprintf("%.2f%%", stats.Fragmentation)},
	})

	table.Render()
}

// renderComparison prints where each strategy placed an allocation and the state it left behind
func renderComparison(w io.Writer, outcomes []strategyOutcome) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Strategy", "Handle", "Free blocks", "Fragmentation"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for _, outcome := range outcomes {
		table.Append([]string{
			outcome.Strategy.String(),
			strconv.FormatUint(uint64(outcome.Handle), 10),
			strconv.Itoa(outcome.FreeBlocks),
			fmt.Sprintf("%.2f%%", outcome.Fragmentation),
		})
	}

	table.Render()
}
