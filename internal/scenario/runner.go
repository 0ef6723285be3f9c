package scenario

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/poolalloc"
	"golang.org/x/exp/slog"
)

// StepResult describes the outcome of a single step
type StepResult struct {
	// Index is the step's position in the script, starting from 1
	Index int
	Step  Step

	// Handle is the allocation the step produced or acted on, if any
	Handle poolalloc.Handle
	// Err is the error returned by the allocator. It only fails the run when the step
	// has an expectation that it does not meet.
	Err error
	// Merges is the number of merges performed by a coalesce step
	Merges int

	// Stats is a snapshot of the pool after the step
	Stats poolalloc.AllocatorStatistics
	// Blocks is populated by map steps
	Blocks []poolalloc.BlockDescriptor
}

// Runner replays scripts against an allocator, tracking allocations by name
type Runner struct {
	logger    *slog.Logger
	allocator *poolalloc.Allocator
	handles   map[string]poolalloc.Handle
}

func NewRunner(logger *slog.Logger, allocator *poolalloc.Allocator) *Runner {
	return &Runner{
		logger:    logger,
		allocator: allocator,
		handles:   make(map[string]poolalloc.Handle),
	}
}

// Handle returns the most recent handle produced for a named allocation
func (r *Runner) Handle(name string) (poolalloc.Handle, bool) {
	handle, ok := r.handles[name]
	return handle, ok
}

// Run executes every step of the script in order, calling onStep after each one. The run stops at
// the first step that does not meet its expectation, or the first error returned by onStep.
func (r *Runner) Run(script *Script, onStep func(result StepResult) error) error {
	for index, step := range script.Steps {
		result := StepResult{
			Index: index + 1,
			Step:  step,
		}

		err := r.runStep(&result)
		if err != nil {
			return errors.Wrapf(err, "step %d (%s)", result.Index, step.Op)
		}

		err = checkExpectation(step.Expect, result.Err)
		if err != nil {
			return errors.Wrapf(err, "step %d (%s)", result.Index, step.Op)
		}

		result.Stats, err = r.allocator.Stats()
		if err != nil {
			return err
		}

		if onStep != nil {
			err = onStep(result)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

// runStep performs the step's operation. Errors from the allocator are recorded in the result;
// only errors in the script itself are returned.
func (r *Runner) runStep(result *StepResult) error {
	step := result.Step
	r.logger.Debug("Runner::Step",
		slog.Int("Index", result.Index),
		slog.String("Op", string(step.Op)),
		slog.String("Name", step.Name),
		slog.Int("Size", step.size),
	)

	switch step.Op {
	case OpAlloc:
		result.Handle, result.Err = r.allocator.Allocate(step.size)
		if result.Err == nil {
			r.handles[step.Name] = result.Handle
		}
	case OpFree:
		handle, ok := r.handles[step.Name]
		if !ok {
			return errors.Newf("no allocation named %q", step.Name)
		}

		result.Handle = handle
		result.Err = r.allocator.Release(handle)
	case OpRealloc:
		handle := r.handles[step.Name]
		result.Handle, result.Err = r.allocator.Resize(handle, step.size)
		if result.Err == nil {
			r.handles[step.Name] = result.Handle
		}
	case OpCoalesce:
		result.Merges, result.Err = r.allocator.Coalesce()
	case OpStats:
	case OpMap:
		result.Blocks, result.Err = r.allocator.MemoryMap()
	case OpValidate:
		result.Err = r.allocator.Validate()
	default:
		return errors.Newf("unknown op %q", step.Op)
	}

	return nil
}

func checkExpectation(expect string, err error) error {
	if expect == "" {
		return nil
	}

	expected := expectations[expect]
	if expected == nil {
		if err != nil {
			return errors.Wrap(err, "expected success")
		}
		return nil
	}

	if !errors.Is(err, expected) {
		return errors.Newf("expected %s, got %v", expect, err)
	}

	return nil
}
