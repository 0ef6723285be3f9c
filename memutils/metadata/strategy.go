package metadata

import (
	"strings"

	"github.com/pkg/errors"
)

// AllocationStrategy selects which free block receives a new allocation. The strategy is fixed
// when the metadata is created and applies to every search.
type AllocationStrategy uint32

const (
	// AllocationStrategyFirstFit selects the first free block, in address order, that is large
	// enough for the request
	AllocationStrategyFirstFit AllocationStrategy = iota
	// AllocationStrategyBestFit selects the smallest free block that is large enough for the request.
	// Ties go to the block with the lowest address.
	AllocationStrategyBestFit
	// AllocationStrategyWorstFit selects the largest free block that is large enough for the request.
	// Ties go to the block with the lowest address.
	AllocationStrategyWorstFit
)

var allocationStrategyMapping = map[AllocationStrategy]string{
	AllocationStrategyFirstFit: "First Fit",
	AllocationStrategyBestFit:  "Best Fit",
	AllocationStrategyWorstFit: "Worst Fit",
}

func (s AllocationStrategy) String() string {
	str, ok := allocationStrategyMapping[s]
	if !ok {
		return "Unknown"
	}
	return str
}

// IsValid returns true if the strategy is one of the known allocation strategies
func (s AllocationStrategy) IsValid() bool {
	_, ok := allocationStrategyMapping[s]
	return ok
}

// ParseAllocationStrategy converts a strategy name such as "best-fit", "BestFit" or "Best Fit"
// into an AllocationStrategy
func ParseAllocationStrategy(name string) (AllocationStrategy, error) {
	normalized := strings.ToLower(name)
	normalized = strings.NewReplacer("-", "", "_", "", " ", "").Replace(normalized)

	switch normalized {
	case "firstfit", "first", "ff":
		return AllocationStrategyFirstFit, nil
	case "bestfit", "best", "bf":
		return AllocationStrategyBestFit, nil
	case "worstfit", "worst", "wf":
		return AllocationStrategyWorstFit, nil
	}

	return AllocationStrategyFirstFit, errors.Errorf("unknown allocation strategy: %q", name)
}
