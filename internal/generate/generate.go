// Package generate runs the fixture tasks: one per operator family plus the
// fastdiv table, sequentially or on a bounded number of goroutines.
package generate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-testgen/internal/config"
	"github.com/23skdu/longbow-testgen/internal/fastdiv"
	"github.com/23skdu/longbow-testgen/internal/fixture"
	"github.com/23skdu/longbow-testgen/internal/logger"
	"github.com/23skdu/longbow-testgen/internal/metrics"
	"github.com/23skdu/longbow-testgen/internal/refmodel"
	"github.com/23skdu/longbow-testgen/internal/space"
)

// ErrShapeMismatch marks a model whose computed output disagrees with its
// own shape formula. It is a defect in the model, not in the configuration.
var ErrShapeMismatch = errors.New("computed output shape disagrees with shape formula")

// Error kinds reported to metrics and logs.
const (
	KindDomain         = "domain"
	KindExhaustiveness = "exhaustiveness"
	KindSerialization  = "serialization"
	KindModel          = "model"
	KindCanceled       = "canceled"
	KindIO             = "io"
)

// ErrorKind classifies a generation error.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, refmodel.ErrDomain):
		return KindDomain
	case errors.Is(err, fastdiv.ErrExhausted):
		return KindExhaustiveness
	case errors.Is(err, fixture.ErrSerialization):
		return KindSerialization
	case errors.Is(err, ErrShapeMismatch):
		return KindModel
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindIO
	}
}

// TaskError ties a failure to the task that produced it.
type TaskError struct {
	Op  string
	Err error
}

func (e *TaskError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *TaskError) Unwrap() error { return e.Err }

// Result summarizes one finished task.
type Result struct {
	Op       string
	Fixtures int
	Stats    space.Stats
	Duration time.Duration
}

// Task produces one artifact.
type Task struct {
	Op  string
	Run func(ctx context.Context) (Result, error)
}

// Runner owns the emitter and the enumeration options of one generation run.
type Runner struct {
	Config  config.Config
	Emitter fixture.Emitter
	Options refmodel.Options
}

// New validates cfg and creates the output directory.
func New(cfg config.Config) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dtypes, err := cfg.ElementTypes()
	if err != nil {
		return nil, err
	}
	em, err := fixture.New(cfg.OutputFormat(), cfg.OutputDir)
	if err != nil {
		return nil, err
	}
	return &Runner{Config: cfg, Emitter: em, Options: refmodel.Options{DTypes: dtypes}}, nil
}

// taskOrder is the fixed generation order. The fastdiv table follows
// pooling, whose divisors it covers.
var taskOrder = []string{
	string(refmodel.OpConv2D),
	string(refmodel.OpDepthwiseConv2D),
	string(refmodel.OpMatmul),
	string(refmodel.OpPooling),
	fastdiv.Op,
	string(refmodel.OpPointwise),
	string(refmodel.OpSoftmax),
	string(refmodel.OpTranspose),
	string(refmodel.OpBias),
	string(refmodel.OpBatchnorm),
	string(refmodel.OpReduce),
}

// Tasks lists the selected tasks in generation order.
func (r *Runner) Tasks() []Task {
	var tasks []Task
	for _, op := range taskOrder {
		if !r.Config.Selected(op) {
			continue
		}
		if op == fastdiv.Op {
			tasks = append(tasks, Task{Op: op, Run: r.runFastDiv})
			continue
		}
		fam, err := refmodel.Lookup(refmodel.OpID(op))
		if err != nil {
			// taskOrder only names registered families
			panic(err)
		}
		tasks = append(tasks, Task{Op: op, Run: func(ctx context.Context) (Result, error) {
			return r.runFamily(ctx, fam)
		}})
	}
	return tasks
}

// Run executes the selected tasks on at most Config.Workers goroutines. The
// first failure cancels the remaining tasks and is returned. Results are in
// task order.
func (r *Runner) Run(ctx context.Context) ([]Result, error) {
	tasks := r.Tasks()
	results := make([]Result, len(tasks))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(r.Config.Workers, 1))
	for i, t := range tasks {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return &TaskError{Op: t.Op, Err: err}
			}
			start := time.Now()
			res, err := t.Run(ctx)
			metrics.RecordFamilyDuration(t.Op, time.Since(start))
			if err != nil {
				kind := ErrorKind(err)
				if kind != KindCanceled {
					metrics.RecordGenerationError(t.Op, kind)
				}
				return &TaskError{Op: t.Op, Err: err}
			}
			res.Op = t.Op
			res.Duration = time.Since(start)
			results[i] = res
			logger.Log.Info("Task complete", "op", t.Op, "fixtures", res.Fixtures, "duration", res.Duration)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (r *Runner) runFamily(ctx context.Context, fam refmodel.Family) (Result, error) {
	op := string(fam.Op())
	configs, stats := fam.Configurations(r.Options)
	metrics.RecordConfigurations(op, stats.Emitted, stats.Duplicates, stats.Filtered)
	logger.Log.Info("Enumerated configurations", "op", op,
		"emitted", stats.Emitted, "duplicates", stats.Duplicates, "filtered", stats.Filtered)

	sink, err := r.Emitter.Open(op)
	if err != nil {
		return Result{}, err
	}
	for seq, c := range configs {
		if err := ctx.Err(); err != nil {
			_ = sink.Abort()
			return Result{}, err
		}
		f, err := buildFixture(fam, c, fixture.ID(op, seq))
		if err == nil {
			err = sink.Write(f)
		}
		if err != nil {
			_ = sink.Abort()
			return Result{}, err
		}
		metrics.RecordFixture(op, f.Elements())
	}
	if err := sink.Close(); err != nil {
		return Result{}, fmt.Errorf("failed to finalize %s fixtures: %w", op, err)
	}
	return Result{Fixtures: len(configs), Stats: stats}, nil
}

func buildFixture(fam refmodel.Family, c refmodel.Config, id string) (*fixture.Fixture, error) {
	inputs, err := fam.Inputs(c)
	if err != nil {
		return nil, fmt.Errorf("fixture %s: %w", id, err)
	}
	out, err := fam.Compute(c, inputs)
	if err != nil {
		return nil, fmt.Errorf("fixture %s: %w", id, err)
	}
	want, err := c.OutputShape()
	if err != nil {
		return nil, fmt.Errorf("fixture %s: %w", id, err)
	}
	if !out.Shape.Equal(want) {
		return nil, fmt.Errorf("fixture %s: %w: got %v, want %v", id, ErrShapeMismatch, out.Shape, want)
	}
	return &fixture.Fixture{
		ID:        id,
		Op:        string(fam.Op()),
		Config:    c,
		Inputs:    inputs,
		Expected:  out,
		Tolerance: fam.Tolerance(c),
		NaN:       refmodel.PropagatesNaN(c),
	}, nil
}

// Divisors collects every divisor a pooling kernel can need under opts: the
// window area of each pooling configuration, every in-bounds count of an
// average-pooling window, 1, and the extras.
func Divisors(opts refmodel.Options, extra []int64) ([]int64, error) {
	ds := append([]int64{1}, extra...)
	configs, _ := refmodel.Pooling().Configurations(opts)
	for _, c := range configs {
		pc, ok := c.(refmodel.PoolingConfig)
		if !ok {
			return nil, fmt.Errorf("pooling enumerated %T", c)
		}
		pd, err := refmodel.PoolingDivisors(pc)
		if err != nil {
			return nil, err
		}
		ds = append(ds, pd...)
	}
	return fastdiv.Distinct(ds), nil
}

func (r *Runner) runFastDiv(ctx context.Context) (Result, error) {
	divisors, err := Divisors(r.Options, r.Config.FastDiv.ExtraDivisors)
	if err != nil {
		return Result{}, err
	}
	gen := r.Config.Generator()
	gen.OnAttempt = func(_ int64, _ uint, verified bool) {
		metrics.RecordShiftAttempt(verified)
	}
	logger.Log.Info("Deriving fastdiv vectors", "divisors", len(divisors), "domain_max", gen.DomainMax)

	vectors := make([]fastdiv.Vector, 0, len(divisors))
	for _, d := range divisors {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		v, err := gen.Derive(d)
		if err != nil {
			return Result{}, err
		}
		metrics.RecordFastDivVector(v.Shift, v.DomainMin, v.DomainMax)
		logger.Log.Debug("Verified fastdiv vector", "divisor", v.Divisor, "multiplier", v.Multiplier, "shift", v.Shift)
		vectors = append(vectors, v)
	}
	if err := r.Emitter.WriteFastDiv(vectors); err != nil {
		return Result{}, err
	}
	return Result{Fixtures: len(vectors), Stats: space.Stats{Emitted: len(vectors)}}, nil
}
