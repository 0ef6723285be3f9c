package main

import (
	"encoding/binary"
	"math"

	"github.com/urfave/cli/v2"
	"github.com/vkngwrapper/poolalloc"
	"github.com/vkngwrapper/poolalloc/memutils/metadata"
)

var (
	tourCommand = &cli.Command{
		Name:   "tour",
		Usage:  "walk through allocation, fragmentation, reallocation and a strategy comparison",
		Action: tourCmd,
	}
	basicCommand = &cli.Command{
		Name:   "basic",
		Usage:  "store a number and a string in a 1 KiB pool",
		Action: basicCmd,
	}
	stringsCommand = &cli.Command{
		Name:   "strings",
		Usage:  "grow a string buffer with resize",
		Action: stringsCmd,
	}
	compareCommand = &cli.Command{
		Name:   "compare",
		Usage:  "allocate into the same holes with every strategy",
		Action: compareCmd,
	}
)

func tourCmd(ctx *cli.Context) error {
	d, err := newDemo(ctx, defaultPoolSize)
	if err != nil {
		return err
	}

	d.printf("Pool of %s, %s\n", formatBytes(d.poolSize), d.strategy)

	for _, step := range []func(*poolalloc.Allocator) error{
		d.basicAllocation,
		d.fragmentation,
		d.reallocation,
	} {
		allocator, err := d.newAllocator(d.strategy)
		if err != nil {
			return err
		}

		err = step(allocator)
		allocator.Teardown()
		if err != nil {
			return err
		}
	}

	return d.compareStrategies()
}

func (d *demo) basicAllocation(allocator *poolalloc.Allocator) error {
	d.header("Basic allocation")

	ints, err := allocator.Allocate(10 * 4)
	if err != nil {
		return err
	}
	str, err := allocator.Allocate(50)
	if err != nil {
		return err
	}
	floats, err := allocator.Allocate(5 * 8)
	if err != nil {
		return err
	}

	payload, err := allocator.Bytes(ints)
	if err != nil {
		return err
	}
	for i := 0; i < 10; i++ {
		binary.LittleEndian.PutUint32(payload[i*4:], uint32(i*10))
	}

	payload, err = allocator.Bytes(str)
	if err != nil {
		return err
	}
	message := "Hello from the pool allocator!"
	copy(payload, message)

	payload, err = allocator.Bytes(floats)
	if err != nil {
		return err
	}
	for i := 0; i < 5; i++ {
		binary.LittleEndian.PutUint64(payload[i*8:], math.Float64bits(float64(i)*3.14))
	}

	d.printf("Allocated and initialized 3 blocks\n")
	d.printf("  int32[10]   at %d\n", ints)
	d.printf("  string[50]  at %d -> %q\n", str, readString(allocator, str, len(message)))
	d.printf("  float64[5]  at %d\n", floats)

	err = d.printMap(allocator)
	if err != nil {
		return err
	}
	err = d.printStats(allocator)
	if err != nil {
		return err
	}

	d.printf("\nReleasing the middle block (string)\n")
	err = allocator.Release(str)
	if err != nil {
		return err
	}

	err = d.printMap(allocator)
	if err != nil {
		return err
	}
	err = d.printStats(allocator)
	if err != nil {
		return err
	}

	d.printf("\nReleasing the remaining blocks\n")
	err = allocator.Release(ints)
	if err != nil {
		return err
	}
	err = allocator.Release(floats)
	if err != nil {
		return err
	}

	return d.printStats(allocator)
}

func readString(allocator *poolalloc.Allocator, handle poolalloc.Handle, length int) string {
	payload, err := allocator.Bytes(handle)
	if err != nil {
		return ""
	}
	return string(payload[:length])
}

func (d *demo) fragmentation(allocator *poolalloc.Allocator) error {
	d.header("Fragmentation")

	var handles []poolalloc.Handle
	for i := 0; i < 10; i++ {
		handle, err := allocator.Allocate(64)
		if err != nil {
			return err
		}
		handles = append(handles, handle)
		d.printf("Allocated block %d at %d\n", i, handle)
	}

	err := d.printStats(allocator)
	if err != nil {
		return err
	}

	d.printf("\nReleasing every other block\n")
	for i := 0; i < len(handles); i += 2 {
		err = allocator.Release(handles[i])
		if err != nil {
			return err
		}
		d.printf("Released block %d\n", i)
	}

	err = d.printMap(allocator)
	if err != nil {
		return err
	}
	err = d.printStats(allocator)
	if err != nil {
		return err
	}

	d.printf("\nCoalescing free blocks\n")
	merges, err := allocator.Coalesce()
	if err != nil {
		return err
	}
	d.printf("%d merges\n", merges)

	err = d.printMap(allocator)
	if err != nil {
		return err
	}
	err = d.printStats(allocator)
	if err != nil {
		return err
	}

	for i := 1; i < len(handles); i += 2 {
		err = allocator.Release(handles[i])
		if err != nil {
			return err
		}
	}

	return nil
}

func (d *demo) reallocation(allocator *poolalloc.Allocator) error {
	d.header("Reallocation")

	handle, err := allocator.Allocate(5 * 4)
	if err != nil {
		return err
	}

	payload, err := allocator.Bytes(handle)
	if err != nil {
		return err
	}
	for i := 0; i < 5; i++ {
		binary.LittleEndian.PutUint32(payload[i*4:], uint32(i+1))
	}
	d.printf("Initial array:     %v\n", readInts(payload, 5))

	err = d.printStats(allocator)
	if err != nil {
		return err
	}

	d.printf("\nResizing to 10 elements\n")
	handle, err = allocator.Resize(handle, 10*4)
	if err != nil {
		return err
	}

	payload, err = allocator.Bytes(handle)
	if err != nil {
		return err
	}
	for i := 5; i < 10; i++ {
		binary.LittleEndian.PutUint32(payload[i*4:], uint32(i+1))
	}
	d.printf("Reallocated array: %v\n", readInts(payload, 10))

	err = d.printStats(allocator)
	if err != nil {
		return err
	}

	return allocator.Release(handle)
}

func readInts(payload []byte, count int) []uint32 {
	values := make([]uint32, count)
	for i := range values {
		values[i] = binary.LittleEndian.Uint32(payload[i*4:])
	}
	return values
}

// strategyOutcome is the state of a pool after allocating into holes left by released blocks
type strategyOutcome struct {
	Strategy      metadata.AllocationStrategy
	Handle        poolalloc.Handle
	FreeBlocks    int
	Fragmentation float64
}

// compareStrategy allocates 100, 200, 50 and 150 bytes, releases the second and fourth blocks,
// and then allocates 80 bytes into one of the holes
func compareStrategy(d *demo, strategy metadata.AllocationStrategy) (strategyOutcome, error) {
	outcome := strategyOutcome{Strategy: strategy}

	allocator, err := d.newAllocator(strategy)
	if err != nil {
		return outcome, err
	}
	defer allocator.Teardown()

	var handles []poolalloc.Handle
	for _, size := range []int{100, 200, 50, 150} {
		handle, err := allocator.Allocate(size)
		if err != nil {
			return outcome, err
		}
		handles = append(handles, handle)
	}

	err = allocator.Release(handles[1])
	if err != nil {
		return outcome, err
	}
	err = allocator.Release(handles[3])
	if err != nil {
		return outcome, err
	}

	outcome.Handle, err = allocator.Allocate(80)
	if err != nil {
		return outcome, err
	}

	stats, err := allocator.Stats()
	if err != nil {
		return outcome, err
	}
	outcome.FreeBlocks = stats.FreeBlockCount
	outcome.Fragmentation = stats.Fragmentation

	for _, handle := range []poolalloc.Handle{handles[0], handles[2], outcome.Handle} {
		err = allocator.Release(handle)
		if err != nil {
			return outcome, err
		}
	}

	return outcome, nil
}

func (d *demo) compareStrategies() error {
	d.header("Allocation strategy comparison")
	d.printf("Allocated 100, 200, 50 and 150 bytes, released the 200 and 150 byte blocks, then allocated 80 bytes\n")

	var outcomes []strategyOutcome
	for _, strategy := range []metadata.AllocationStrategy{
		metadata.AllocationStrategyFirstFit,
		metadata.AllocationStrategyBestFit,
		metadata.AllocationStrategyWorstFit,
	} {
		outcome, err := compareStrategy(d, strategy)
		if err != nil {
			return err
		}
		outcomes = append(outcomes, outcome)
	}

	renderComparison(d.out, outcomes)
	return nil
}

func compareCmd(ctx *cli.Context) error {
	d, err := newDemo(ctx, defaultPoolSize)
	if err != nil {
		return err
	}

	return d.compareStrategies()
}

func basicCmd(ctx *cli.Context) error {
	d, err := newDemo(ctx, 1024)
	if err != nil {
		return err
	}

	d.header("Basic usage")
	allocator, err := d.newAllocator(d.strategy)
	if err != nil {
		return err
	}
	defer allocator.Teardown()

	number, err := allocator.Allocate(4)
	if err != nil {
		return err
	}
	text, err := allocator.Allocate(20)
	if err != nil {
		return err
	}

	payload, err := allocator.Bytes(number)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(payload, 42)

	message := "Hello, World!"
	payload, err = allocator.Bytes(text)
	if err != nil {
		return err
	}
	copy(payload, message)

	d.printf("Stored number: %d\n", readInts(mustBytes(allocator, number), 1)[0])
	d.printf("Stored text: %s\n", readString(allocator, text, len(message)))

	err = d.printStats(allocator)
	if err != nil {
		return err
	}

	d.printf("Releasing memory\n")
	err = allocator.Release(number)
	if err != nil {
		return err
	}
	err = allocator.Release(text)
	if err != nil {
		return err
	}

	return d.printStats(allocator)
}

func mustBytes(allocator *poolalloc.Allocator, handle poolalloc.Handle) []byte {
	payload, err := allocator.Bytes(handle)
	if err != nil {
		panic(err)
	}
	return payload
}

func stringsCmd(ctx *cli.Context) error {
	d, err := newDemo(ctx, 4096)
	if err != nil {
		return err
	}

	d.header("Dynamic string processing")
	allocator, err := d.newAllocator(d.strategy)
	if err != nil {
		return err
	}
	defer allocator.Teardown()

	buffer, err := allocator.Allocate(15)
	if err != nil {
		return err
	}

	text := "Hello"
	copy(mustBytes(allocator, buffer), text)
	d.printf("Initial: %s (at %d)\n", readString(allocator, buffer, len(text)), buffer)

	for _, grow := range []struct {
		size   int
		suffix string
	}{
		{size: 30, suffix: ", World!"},
		{size: 60, suffix: " Welcome to pool memory management."},
	} {
		d.printf("Expanding buffer to %d bytes\n", grow.size)
		buffer, err = allocator.Resize(buffer, grow.size)
		if err != nil {
			return err
		}

		copy(mustBytes(allocator, buffer)[len(text):], grow.suffix)
		text += grow.suffix
		d.printf("Updated: %s (at %d)\n", readString(allocator, buffer, len(text)), buffer)
	}

	err = d.printStats(allocator)
	if err != nil {
		return err
	}

	return allocator.Release(buffer)
}
