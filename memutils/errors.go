package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

var (
	// AlreadyInitializedError is returned when a pool is initialized a second time without being torn down first
	AlreadyInitializedError error = errors.New("allocator already initialized")
	// PoolTooSmallError is returned when the requested pool cannot hold even a single block header
	PoolTooSmallError error = errors.New("pool size too small")
	// NotInitializedError is returned by every operation on an allocator that has no pool
	NotInitializedError error = errors.New("allocator not initialized")
	// OutOfMemoryError is returned when no free block can satisfy an allocation
	OutOfMemoryError error = errors.New("no suitable block found")
	// InvalidHandleError is returned when a handle does not refer to an allocation in the pool
	InvalidHandleError error = errors.New("invalid handle")
	// DoubleReleaseError is returned when a handle refers to memory that is already free
	DoubleReleaseError error = errors.New("double free detected")
)
