package poolalloc

import (
	"io"
	"strings"

	"github.com/vkngwrapper/poolalloc/memutils"
	"github.com/vkngwrapper/poolalloc/memutils/metadata"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

const (
	// AllocatorCreateExternallySynchronized ensures that this allocator will not be synchronized
	// internally. The consumer must guarantee it is used from only one goroutine at a time or is
	// synchronized by some other mechanism, but performance may improve because the internal mutex
	// is not used.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
)

var createFlagsMapping = map[CreateFlags]string{
	AllocatorCreateExternallySynchronized: "AllocatorCreateExternallySynchronized",
}

func (f CreateFlags) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	for bit := CreateFlags(1); bit != 0 && bit <= f; bit <<= 1 {
		if f&bit == 0 {
			continue
		}

		name, ok := createFlagsMapping[bit]
		if !ok {
			name = "Unknown"
		}
		names = append(names, name)
	}

	return strings.Join(names, "|")
}

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// SizeGranularity is the boundary that requested sizes are rounded up to. It must be a power
	// of two. memutils.DefaultAllocationGranularity is used if it is left at 0.
	SizeGranularity uint

	// MemoryCallbackOptions is an optional set of callbacks that will be executed when memory
	// is allocated from or released to the pool
	MemoryCallbackOptions *MemoryCallbackOptions
}

// New creates a new Allocator. The allocator does not own a pool until Init is called.
//
// logger - The logger that will receive diagnostics. If nil, diagnostics are discarded.
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	granularity := options.SizeGranularity
	if granularity == 0 {
		granularity = memutils.DefaultAllocationGranularity
	}

	err := memutils.CheckPow2(granularity, "CreateOptions.SizeGranularity")
	if err != nil {
		return nil, err
	}

	allocator := &Allocator{
		logger:      logger,
		createFlags: options.Flags,
		granularity: granularity,
		newMetadata: func(strategy metadata.AllocationStrategy) metadata.BlockMetadata {
			return metadata.NewListBlockMetadata(strategy)
		},
	}
	allocator.mutex.UseMutex = options.Flags&AllocatorCreateExternallySynchronized == 0
	allocator.callbacks = memoryCallbacks{
		Callbacks: options.MemoryCallbackOptions,
		Allocator: allocator,
	}

	return allocator, nil
}

// NewInitialized creates a new Allocator and initializes it with a pool of poolSize bytes
func NewInitialized(logger *slog.Logger, poolSize int, strategy metadata.AllocationStrategy, options CreateOptions) (*Allocator, error) {
	allocator, err := New(logger, options)
	if err != nil {
		return nil, err
	}

	err = allocator.Init(poolSize, strategy)
	if err != nil {
		return nil, err
	}

	return allocator, nil
}
