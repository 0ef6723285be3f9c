package poolalloc

// AllocateCallback is called after a block is handed out by an Allocator. size is the rounded
// size that was requested.
type AllocateCallback func(
	allocator *Allocator,
	handle Handle,
	size int,
	userData interface{},
)

// FreeCallback is called after a block is returned to an Allocator's pool, before it is coalesced
// with its neighbours. size is the block's payload capacity.
type FreeCallback func(
	allocator *Allocator,
	handle Handle,
	size int,
	userData interface{},
)

// MemoryCallbackOptions is a set of callbacks that an Allocator will execute as memory is allocated
// and released. The callbacks are executed while the allocator is locked and must not call back into it.
type MemoryCallbackOptions struct {
	Allocate AllocateCallback
	Free     FreeCallback
	UserData interface{}
}

type memoryCallbacks struct {
	Callbacks *MemoryCallbackOptions
	Allocator *Allocator
}

func (c *memoryCallbacks) Allocate(handle Handle, size int) {
	if c.Callbacks != nil && c.Callbacks.Allocate != nil {
		c.Callbacks.Allocate(c.Allocator, handle, size, c.Callbacks.UserData)
	}
}

func (c *memoryCallbacks) Free(handle Handle, size int) {
	if c.Callbacks != nil && c.Callbacks.Free != nil {
		c.Callbacks.Free(c.Allocator, handle, size, c.Callbacks.UserData)
	}
}
