package taskpool

import (
	"fmt"
	"runtime"
)

// StackClassConfig describes one stack-allocator size class, per §6's
// config table. Sizes are deduplicated and must be supplied in decreasing
// order; validation coalesces exact duplicates and rejects any list that is
// not in decreasing size order.
type StackClassConfig struct {
	// Size is the requested (pre-rounding) stack size in bytes.
	Size int
	// Preallocated is how many stacks of this class are eagerly allocated
	// (split into the hot/cold free lists) at pool startup.
	Preallocated int
	// Hot is the capacity of the free list of stacks kept committed and
	// ready ("hot"). Preallocated stacks, and released ones, fill it first.
	Hot int
	// Cold is the capacity of the free list of stacks kept decommitted
	// until reuse; stacks that do not fit the hot list go here, and
	// released stacks that fit neither list are unmapped.
	Cold int
	// MaxAllocated bounds the total number of live stacks of this class.
	MaxAllocated int
	// IsDefault marks the default class; Config.validate derives the
	// default stack index from whichever entry has this set, if any.
	IsDefault bool
}

// Config is recognized by SpawnPool. Zero-value fields take the defaults
// documented per field.
type Config struct {
	// WorkerCount is the number of OS-thread-backed workers. Zero selects
	// runtime.NumCPU(), per spec's "0 ⇒ CPU core count".
	WorkerCount int

	// Stacks lists the pool's stack-size classes, decreasing by Size.
	// At least one class is required.
	Stacks []StackClassConfig

	// DefaultStackIndex is the class entries.enqueue_task (and any entry
	// preceding a set_min_stack_size) uses. Ignored if any StackClassConfig
	// has IsDefault set; in that case the first IsDefault entry wins.
	DefaultStackIndex int

	// Label is a diagnostic name surfaced in logs and Pool.Label().
	Label string

	// IsPublic controls visibility in Runtime.QueryAllPools.
	IsPublic bool

	// Logger receives structured events for this pool; nil installs the
	// package default (see logging.go).
	Logger Logger
}

// DefaultStackSize and DefaultWorkerCount are the out-of-scope "enclosing
// module system" parameters per §1/§6; this module supplies sane defaults
// since it has no enclosing module to source them from.
const (
	DefaultStackSize    = 64 * 1024
	platformMinStack    = 16 * 1024
	DefaultWorkerCount0 = 0 // 0 ⇒ runtime.NumCPU()
)

// overloadThreshold returns the process-list depth above which the pool
// logs an overload warning (rate-limited), scaled to worker count so a
// busier pool doesn't warn on perfectly ordinary backlog.
func (c Config) overloadThreshold() int {
	n := c.WorkerCount
	if n == 0 {
		n = runtime.NumCPU()
	}
	return n * 16
}

func defaultConfig() Config {
	return Config{
		Stacks: []StackClassConfig{
			{
				Size:         DefaultStackSize,
				Preallocated: 0,
				Hot:          0,
				Cold:         0,
				MaxAllocated: 1 << 20,
				IsDefault:    true,
			},
		},
	}
}

// validated is the normalized, post-validation form of Config consumed by
// the rest of the package.
type validated struct {
	workerCount       int
	stacks            []StackClassConfig
	defaultStackIndex int
	label             string
	isPublic          bool
	logger            Logger
}

// validate checks Config per §6's table and returns the normalized form.
//
//	at least one stack; preallocated ≤ max_allocated; cold + hot ≤
//	max_allocated; preallocated ≤ cold + hot; classes listed in decreasing
//	size; default_stack_index < stacks.len. Duplicate sizes coalesce.
func (c Config) validate() (validated, error) {
	stacks := coalesceStacks(c.Stacks)
	if len(stacks) == 0 {
		stacks = defaultConfig().Stacks
	}

	for i := 1; i < len(stacks); i++ {
		if stacks[i].Size > stacks[i-1].Size {
			return validated{}, fmt.Errorf("%w: stack classes must be listed in decreasing size (index %d: %d > %d)",
				ErrInvalidConfig, i, stacks[i].Size, stacks[i-1].Size)
		}
	}

	for i, sc := range stacks {
		if sc.Size <= 0 {
			return validated{}, fmt.Errorf("%w: stack class %d: size must be positive", ErrInvalidConfig, i)
		}
		if sc.MaxAllocated < 0 || sc.Preallocated < 0 || sc.Hot < 0 || sc.Cold < 0 {
			return validated{}, fmt.Errorf("%w: stack class %d: negative counts not allowed", ErrInvalidConfig, i)
		}
		if sc.Preallocated > sc.MaxAllocated {
			return validated{}, fmt.Errorf("%w: stack class %d: preallocated (%d) > max_allocated (%d)",
				ErrInvalidConfig, i, sc.Preallocated, sc.MaxAllocated)
		}
		if sc.Cold+sc.Hot > sc.MaxAllocated {
			return validated{}, fmt.Errorf("%w: stack class %d: cold+hot (%d) > max_allocated (%d)",
				ErrInvalidConfig, i, sc.Cold+sc.Hot, sc.MaxAllocated)
		}
		if sc.Preallocated > sc.Cold+sc.Hot {
			return validated{}, fmt.Errorf("%w: stack class %d: preallocated (%d) > cold+hot (%d)",
				ErrInvalidConfig, i, sc.Preallocated, sc.Cold+sc.Hot)
		}
	}

	defaultIdx := c.DefaultStackIndex
	for i, sc := range stacks {
		if sc.IsDefault {
			defaultIdx = i
			break
		}
	}
	if defaultIdx < 0 || defaultIdx >= len(stacks) {
		return validated{}, fmt.Errorf("%w: default_stack_index %d out of range [0,%d)",
			ErrInvalidConfig, defaultIdx, len(stacks))
	}

	workerCount := c.WorkerCount
	if workerCount == 0 {
		workerCount = runtime.NumCPU()
	}
	if workerCount < 1 {
		return validated{}, fmt.Errorf("%w: worker_count must be >= 0", ErrInvalidConfig)
	}

	logger := c.Logger
	if logger == nil {
		logger = getGlobalLogger()
	}

	return validated{
		workerCount:       workerCount,
		stacks:            stacks,
		defaultStackIndex: defaultIdx,
		label:             c.Label,
		isPublic:          c.IsPublic,
		logger:            logger,
	}, nil
}

// coalesceStacks merges classes with identical Size, summing their
// preallocated/hot/cold/max_allocated counts and OR-ing IsDefault, keeping
// the position of the first occurrence.
func coalesceStacks(in []StackClassConfig) []StackClassConfig {
	if len(in) == 0 {
		return nil
	}
	out := make([]StackClassConfig, 0, len(in))
	index := make(map[int]int, len(in))
	for _, sc := range in {
		if i, ok := index[sc.Size]; ok {
			out[i].Preallocated += sc.Preallocated
			out[i].Hot += sc.Hot
			out[i].Cold += sc.Cold
			out[i].MaxAllocated += sc.MaxAllocated
			out[i].IsDefault = out[i].IsDefault || sc.IsDefault
			continue
		}
		index[sc.Size] = len(out)
		out = append(out, sc)
	}
	return out
}
