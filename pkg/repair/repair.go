// Package repair searches for the single jmp/nop flip that makes a looping
// boot-code program terminate.
//
// Candidates are evaluated on independent program copies, each on its own
// VM, so they can run in parallel without sharing mutable state. The lowest
// terminating address always wins, however the work is scheduled.
package repair

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"gopkg.in/tomb.v2"

	"github.com/fortiblox/bootcode/pkg/vm"
)

// ErrNoFixFound is returned when no single flip yields a terminating program.
var ErrNoFixFound = errors.New("no single-instruction fix found")

// Config configures a Searcher.
type Config struct {
	// Workers is the number of concurrent candidate evaluations.
	// Values <= 1 evaluate candidates sequentially.
	Workers int

	// StepLimit caps each candidate run. Zero means no cap.
	StepLimit uint64

	// Logger receives per-candidate diagnostics. Nil disables logging.
	Logger *slog.Logger
}

// DefaultConfig returns the default search configuration.
func DefaultConfig() Config {
	return Config{
		Workers: runtime.NumCPU(),
	}
}

// Result describes an accepted flip.
type Result struct {
	Address     int            // Flipped address
	Original    vm.Instruction // Instruction before the flip
	Patched     vm.Instruction // Instruction after the flip
	Program     vm.Program     // Repaired program
	Accumulator int64          // Accumulator at termination
	Steps       uint64         // Instructions executed by the repaired program

	// Search statistics.
	Candidates int // Candidates evaluated
	Faulted    int // Candidates rejected by a fatal VM error
}

// Searcher runs repair searches.
type Searcher struct {
	config Config
	log    *slog.Logger
}

// NewSearcher creates a Searcher.
func NewSearcher(cfg Config) *Searcher {
	log := cfg.Logger
	if log == nil {
		log = slog.New(discardHandler{})
	}
	return &Searcher{config: cfg, log: log}
}

// Search evaluates flips sequentially and returns the first terminating one.
func Search(ctx context.Context, p vm.Program) (*Result, error) {
	return NewSearcher(Config{Workers: 1}).Search(ctx, p)
}

// Search returns the terminating flip with the lowest address.
func (s *Searcher) Search(ctx context.Context, p vm.Program) (*Result, error) {
	found, stats, err := s.run(ctx, p, true)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: %d candidates tried, %d faulted", ErrNoFixFound, stats.evaluated, stats.faulted)
	}

	res := found[0]
	res.Candidates = stats.evaluated
	res.Faulted = stats.faulted
	return &res, nil
}

// SearchAll returns every terminating flip in ascending address order.
func (s *Searcher) SearchAll(ctx context.Context, p vm.Program) ([]Result, error) {
	found, stats, err := s.run(ctx, p, false)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: %d candidates tried, %d faulted", ErrNoFixFound, stats.evaluated, stats.faulted)
	}
	for i := range found {
		found[i].Candidates = stats.evaluated
		found[i].Faulted = stats.faulted
	}
	return found, nil
}

type searchStats struct {
	evaluated int
	faulted   int
}

// candidates lists every flippable address in ascending order.
func candidates(p vm.Program) []int {
	var addrs []int
	for addr, ins := range p {
		if ins.IsControlFlow() {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

// evaluate runs one flipped copy. ok is false when the candidate loops or
// faults; a fault is reported through err.
func (s *Searcher) evaluate(p vm.Program, addr int) (res Result, ok bool, err error) {
	patched, flipped := p.WithFlip(addr)
	if !flipped {
		return Result{}, false, nil
	}

	machine := vm.New(patched, vm.WithStepLimit(s.config.StepLimit))
	out, err := machine.Run()
	if err != nil {
		return Result{}, false, err
	}
	if out.State != vm.StateTerminated {
		return Result{}, false, nil
	}

	return Result{
		Address:     addr,
		Original:    p[addr],
		Patched:     patched[addr],
		Program:     patched,
		Accumulator: out.Accumulator,
		Steps:       out.Steps,
	}, true, nil
}

func (s *Searcher) run(ctx context.Context, p vm.Program, firstOnly bool) ([]Result, searchStats, error) {
	addrs := candidates(p)
	s.log.Debug("repair search", "instructions", len(p), "candidates", len(addrs), "workers", s.config.Workers)

	if s.config.Workers <= 1 {
		return s.runSequential(ctx, p, addrs, firstOnly)
	}
	return s.runParallel(ctx, p, addrs, firstOnly)
}

func (s *Searcher) runSequential(ctx context.Context, p vm.Program, addrs []int, firstOnly bool) ([]Result, searchStats, error) {
	var stats searchStats
	var found []Result

	for _, addr := range addrs {
		if err := ctx.Err(); err != nil {
			return nil, stats, err
		}

		res, ok, err := s.evaluate(p, addr)
		stats.evaluated++
		if err != nil {
			stats.faulted++
			s.log.Debug("candidate faulted", "address", addr, "error", err)
			continue
		}
		if !ok {
			continue
		}

		s.log.Debug("candidate terminates", "address", addr, "accumulator", res.Accumulator)
		found = append(found, res)
		if firstOnly {
			break
		}
	}

	return found, stats, nil
}

func (s *Searcher) runParallel(ctx context.Context, p vm.Program, addrs []int, firstOnly bool) ([]Result, searchStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, searchStats{}, err
	}

	t, _ := tomb.WithContext(ctx)

	jobs := make(chan int)

	var (
		mu    sync.Mutex
		stats searchStats
		found []Result
	)

	// best holds the lowest terminating address seen so far. Candidates above
	// it cannot win and are skipped when only the first fix is wanted.
	var best atomic.Int64
	best.Store(int64(len(p)))

	beaten := func(addr int) bool {
		return firstOnly && int64(addr) > best.Load()
	}

	worker := func() error {
		for {
			var addr int
			var ok bool
			select {
			case addr, ok = <-jobs:
				if !ok {
					return nil
				}
			case <-t.Dying():
				return tomb.ErrDying
			}

			if beaten(addr) {
				continue
			}

			res, terminates, err := s.evaluate(p, addr)

			mu.Lock()
			stats.evaluated++
			if err != nil {
				stats.faulted++
			}
			if terminates {
				found = append(found, res)
			}
			mu.Unlock()

			if err != nil {
				s.log.Debug("candidate faulted", "address", addr, "error", err)
				continue
			}
			if terminates {
				s.log.Debug("candidate terminates", "address", addr, "accumulator", res.Accumulator)
				for {
					cur := best.Load()
					if int64(addr) >= cur || best.CompareAndSwap(cur, int64(addr)) {
						break
					}
				}
			}
		}
	}

	// Workers are started before the feeder so that no tracked goroutine can
	// finish while Go is still being called.
	for i := 0; i < s.config.Workers; i++ {
		t.Go(worker)
	}
	t.Go(func() error {
		defer close(jobs)
		for _, addr := range addrs {
			if beaten(addr) {
				return nil
			}
			select {
			case jobs <- addr:
			case <-t.Dying():
				return nil
			}
		}
		return nil
	})

	if err := t.Wait(); err != nil {
		return nil, stats, err
	}

	sort.Slice(found, func(i, j int) bool {
		return found[i].Address < found[j].Address
	})
	if firstOnly && len(found) > 1 {
		found = found[:1]
	}

	return found, stats, nil
}

// discardHandler drops all records.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (h discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h discardHandler) WithGroup(string) slog.Handler           { return h }
