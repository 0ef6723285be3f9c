package scenario

import (
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/vkngwrapper/poolalloc"
	"github.com/vkngwrapper/poolalloc/memutils"
	"github.com/vkngwrapper/poolalloc/memutils/metadata"
	"golang.org/x/exp/slog"
)

// Op is a single kind of operation that a script step can perform against an allocator
type Op string

const (
	OpAlloc    Op = "alloc"
	OpFree     Op = "free"
	OpRealloc  Op = "realloc"
	OpCoalesce Op = "coalesce"
	OpStats    Op = "stats"
	OpMap      Op = "map"
	OpValidate Op = "validate"
)

var knownOps = map[Op]bool{
	OpAlloc:    true,
	OpFree:     true,
	OpRealloc:  true,
	OpCoalesce: true,
	OpStats:    true,
	OpMap:      true,
	OpValidate: true,
}

// expectations maps the names accepted in a step's expect field to the errors they match.
// "ok" matches a nil error.
var expectations = map[string]error{
	"ok":              nil,
	"out_of_memory":   memutils.OutOfMemoryError,
	"invalid_handle":  memutils.InvalidHandleError,
	"double_release":  memutils.DoubleReleaseError,
	"not_initialized": memutils.NotInitializedError,
}

// Step is a single operation in a script. Name identifies an allocation across steps, and Size
// accepts anything go-humanize can parse, such as "100" or "2 KiB".
type Step struct {
	Op     Op     `toml:"op"`
	Name   string `toml:"name"`
	Size   string `toml:"size"`
	Expect string `toml:"expect"`

	size int
}

// Script is a sequence of operations run against a freshly initialized pool
type Script struct {
	Description string `toml:"description"`
	PoolSize    string `toml:"pool_size"`
	Strategy    string `toml:"strategy"`
	Steps       []Step `toml:"step"`

	poolSize int
	strategy metadata.AllocationStrategy
}

// Parse decodes a script from toml source
func Parse(source string) (*Script, error) {
	var script Script
	md, err := toml.Decode(source, &script)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode script")
	}

	return finishDecode(&script, md)
}

// Load decodes a script from a toml file
func Load(path string) (*Script, error) {
	var script Script
	md, err := toml.DecodeFile(path, &script)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode script %s", path)
	}

	return finishDecode(&script, md)
}

func finishDecode(script *Script, md toml.MetaData) (*Script, error) {
	undecoded := md.Undecoded()
	if len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		sort.Strings(keys)

		return nil, errors.Newf("unknown keys in script: %s", strings.Join(keys, ", "))
	}

	err := script.validate()
	if err != nil {
		return nil, err
	}

	return script, nil
}

func parseSize(field string, value string) (int, error) {
	size, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s %q", field, value)
	}

	if size > uint64(maxSize) {
		return 0, errors.Newf("%s %q is too large", field, value)
	}

	return int(size), nil
}

const maxSize = int(^uint(0) >> 1)

func (s *Script) validate() error {
	if s.PoolSize == "" {
		return errors.New("script must set pool_size")
	}

	var err error
	s.poolSize, err = parseSize("pool_size", s.PoolSize)
	if err != nil {
		return err
	}

	s.strategy = metadata.AllocationStrategyFirstFit
	if s.Strategy != "" {
		s.strategy, err = metadata.ParseAllocationStrategy(s.Strategy)
		if err != nil {
			return err
		}
	}

	for index := range s.Steps {
		step := &s.Steps[index]

		if !knownOps[step.Op] {
			return errors.Newf("step %d: unknown op %q", index+1, step.Op)
		}

		if step.Expect != "" {
			_, ok := expectations[step.Expect]
			if !ok {
				return errors.Newf("step %d: unknown expectation %q", index+1, step.Expect)
			}
		}

		switch step.Op {
		case OpAlloc, OpRealloc:
			if step.Size == "" {
				return errors.Newf("step %d: %s requires a size", index+1, step.Op)
			}

			step.size, err = parseSize("size", step.Size)
			if err != nil {
				return errors.Wrapf(err, "step %d", index+1)
			}
		}

		switch step.Op {
		case OpAlloc, OpFree, OpRealloc:
			if step.Name == "" {
				return errors.Newf("step %d: %s requires a name", index+1, step.Op)
			}
		}
	}

	return nil
}

// PoolBytes returns the parsed pool size
func (s *Script) PoolBytes() int { return s.poolSize }

// AllocationStrategy returns the parsed strategy. Scripts that don't name one use first fit.
func (s *Script) AllocationStrategy() metadata.AllocationStrategy { return s.strategy }

// NewAllocator creates an allocator initialized with the script's pool size and strategy
func (s *Script) NewAllocator(logger *slog.Logger, options poolalloc.CreateOptions) (*poolalloc.Allocator, error) {
	return poolalloc.NewInitialized(logger, s.poolSize, s.strategy, options)
}
