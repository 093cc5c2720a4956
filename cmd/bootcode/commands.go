package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/fortiblox/bootcode/internal/types"
	"github.com/fortiblox/bootcode/pkg/config"
	"github.com/fortiblox/bootcode/pkg/progstore"
	"github.com/fortiblox/bootcode/pkg/repair"
	"github.com/fortiblox/bootcode/pkg/reports"
	"github.com/fortiblox/bootcode/pkg/vm"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitNoFix   = 2
	exitUsage   = 64
)

var (
	errUsage         = errors.New("usage")
	errLoops         = errors.New("program loops")
	errStoreDisabled = errors.New("store is disabled")
)

type app struct {
	cfg    config.Config
	log    *slog.Logger
	stdin  io.Reader
	stdout io.Writer

	archive *progstore.Store
	reports *reports.Store
}

func newApp(cfg config.Config, log *slog.Logger, stdin io.Reader, stdout io.Writer) *app {
	return &app{cfg: cfg, log: log, stdin: stdin, stdout: stdout}
}

// openStores opens the archive and report store on first use.
func (a *app) openStores() error {
	if !a.cfg.Store {
		return errStoreDisabled
	}
	if a.archive != nil {
		return nil
	}

	archive, err := progstore.Open(progstore.DefaultConfig(a.cfg.ArchivePath()))
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}

	memo, err := reports.Open(reports.DefaultConfig(a.cfg.ReportsDir()))
	if err != nil {
		archive.Close()
		return fmt.Errorf("open report store: %w", err)
	}

	a.archive = archive
	a.reports = memo
	return nil
}

func (a *app) close() {
	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			a.log.Warn("close archive", "error", err)
		}
	}
	if a.reports != nil {
		if err := a.reports.Close(); err != nil {
			a.log.Warn("close report store", "error", err)
		}
	}
}

// dispatch runs a subcommand and maps its error to an exit code.
func (a *app) dispatch(ctx context.Context, args []string) int {
	if len(args) == 0 {
		return exitUsage
	}

	var err error
	switch cmd, rest := args[0], args[1:]; cmd {
	case "run":
		err = a.cmdRun(rest)
	case "repair":
		err = a.cmdRepair(ctx, rest)
	case "check":
		err = a.cmdCheck(rest)
	case "fmt":
		err = a.cmdFmt(rest)
	case "archive":
		err = a.cmdArchive(rest)
	case "show":
		err = a.cmdShow(rest)
	case "list":
		err = a.cmdList(rest)
	case "stats":
		err = a.cmdStats(rest)
	case "forget":
		err = a.cmdForget(rest)
	case "config":
		err = a.cmdConfig(rest)
	default:
		a.log.Error("unknown command", "command", cmd)
		return exitUsage
	}

	return a.exitCode(err)
}

func (a *app) exitCode(err error) int {
	var (
		malformed *vm.MalformedInstructionError
		jump      *vm.JumpError
	)

	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errUsage):
		a.log.Error("invalid arguments", "error", err)
		return exitUsage
	case errors.Is(err, errLoops):
		return exitFailure
	case errors.Is(err, repair.ErrNoFixFound):
		a.log.Warn("no fix found", "error", err)
		return exitNoFix
	case errors.As(err, &malformed):
		a.log.Error("malformed program", "line", malformed.Line, "text", malformed.Text, "error", malformed.Err)
		return exitFailure
	case errors.As(err, &jump):
		a.log.Error("invalid jump", "address", jump.Address, "offset", jump.Offset, "error", jump.Err)
		return exitFailure
	default:
		a.log.Error("command failed", "error", err)
		return exitFailure
	}
}

// load reads and decodes a listing, archiving it when the store is enabled.
func (a *app) load(path string, archive bool) (vm.Program, types.ProgramID, error) {
	var r io.Reader = a.stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, types.ProgramID{}, err
		}
		defer f.Close()
		r = f
	}

	prog, err := vm.Decode(r)
	if err != nil {
		return nil, types.ProgramID{}, err
	}

	id := types.ComputeProgramID([]byte(prog.String()))
	a.log.Debug("program loaded", "path", path, "id", id, "instructions", len(prog))

	if archive && a.cfg.Store {
		if err := a.openStores(); err != nil {
			return nil, id, err
		}
		if _, err := a.archive.Put(prog, ""); err != nil {
			return nil, id, fmt.Errorf("archive program: %w", err)
		}
	}

	return prog, id, nil
}

// memoizing reports whether results may be read from or written to the
// report store. A step limit can turn a terminating run into a fault, so
// limited results are never shared with unlimited ones.
func (a *app) memoizing() bool {
	return a.reports != nil && a.cfg.VM.StepLimit == 0
}

// memo returns a stored report, or nil when memoization is off or there is none.
func (a *app) memo(id types.ProgramID, kind reports.Kind) *reports.Report {
	if !a.memoizing() {
		return nil
	}
	r, err := a.reports.Get(id, kind)
	if err != nil {
		if !errors.Is(err, reports.ErrReportNotFound) {
			a.log.Warn("read report", "id", id, "kind", kind, "error", err)
		}
		return nil
	}
	a.log.Debug("using memoized report", "id", id, "kind", kind, "created", r.CreatedAt.Format(time.RFC3339))
	return r
}

func (a *app) remember(r *reports.Report) {
	if !a.memoizing() {
		return
	}
	if err := a.reports.Put(r); err != nil {
		a.log.Warn("store report", "id", r.Program, "kind", r.Kind, "error", err)
	}
}

func oneFile(fs *flag.FlagSet, args []string) (string, error) {
	if err := fs.Parse(args); err != nil {
		return "", fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() != 1 {
		return "", fmt.Errorf("%w: %s expects exactly one FILE", errUsage, fs.Name())
	}
	return fs.Arg(0), nil
}

func (a *app) newVM(prog vm.Program, opts ...vm.Option) *vm.VM {
	return vm.New(prog, append([]vm.Option{vm.WithStepLimit(a.cfg.VM.StepLimit)}, opts...)...)
}

func (a *app) cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	trace := fs.Bool("trace", false, "Print every executed instruction")
	path, err := oneFile(fs, args)
	if err != nil {
		return err
	}

	prog, id, err := a.load(path, true)
	if err != nil {
		return err
	}

	if !*trace {
		if r := a.memo(id, reports.KindRun); r != nil {
			fmt.Fprintln(a.stdout, r.Accumulator)
			return nil
		}
	}

	var opts []vm.Option
	if *trace {
		opts = append(opts, vm.WithTrace(func(ev vm.TraceEvent) {
			fmt.Fprintf(a.stdout, "%5d  %-12s acc=%d\n", ev.Address, ev.Instruction, ev.Accumulator)
		}))
	}

	out, err := a.newVM(prog, opts...).Run()
	if err != nil {
		return err
	}

	a.log.Info("run finished", "state", out.State, "accumulator", out.Accumulator, "pc", out.PC, "steps", out.Steps)
	a.remember(reports.FromOutcome(id, out))

	fmt.Fprintln(a.stdout, out.Accumulator)
	return nil
}

func (a *app) cmdRepair(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("repair", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	workers := fs.Int("workers", a.cfg.Repair.Workers, "Concurrent candidate evaluations")
	all := fs.Bool("all", a.cfg.Repair.All, "Report every terminating flip")
	path, err := oneFile(fs, args)
	if err != nil {
		return err
	}

	prog, id, err := a.load(path, true)
	if err != nil {
		return err
	}

	if !*all {
		if r := a.memo(id, reports.KindRepair); r != nil {
			if r.Outcome == reports.OutcomeNoFix {
				return repair.ErrNoFixFound
			}
			fmt.Fprintln(a.stdout, r.Accumulator)
			return nil
		}
	}

	if ok, err := a.newVM(prog).Terminates(); err == nil && ok {
		a.log.Warn("program already terminates; searching anyway")
	}

	searcher := repair.NewSearcher(repair.Config{
		Workers:   *workers,
		StepLimit: a.cfg.VM.StepLimit,
		Logger:    a.log,
	})

	if *all {
		results, err := searcher.SearchAll(ctx, prog)
		if err != nil {
			return err
		}
		if len(results) > 1 {
			a.log.Warn("fix is not unique", "fixes", len(results))
		}
		for _, res := range results {
			fmt.Fprintf(a.stdout, "%d\t%s -> %s\t%d\n", res.Address, res.Original, res.Patched, res.Accumulator)
		}
		return nil
	}

	res, err := searcher.Search(ctx, prog)
	if errors.Is(err, repair.ErrNoFixFound) {
		a.remember(reports.FromRepair(id, nil))
		return err
	}
	if err != nil {
		return err
	}

	a.log.Info("repaired",
		"address", res.Address,
		"original", res.Original.String(),
		"patched", res.Patched.String(),
		"accumulator", res.Accumulator,
		"candidates", res.Candidates,
		"faulted", res.Faulted,
	)
	a.remember(reports.FromRepair(id, res))

	fmt.Fprintln(a.stdout, res.Accumulator)
	return nil
}

func (a *app) cmdCheck(args []string) error {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	path, err := oneFile(fs, args)
	if err != nil {
		return err
	}

	prog, _, err := a.load(path, false)
	if err != nil {
		return err
	}

	m := a.newVM(prog)
	ok, err := m.Terminates()
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintf(a.stdout, "loops at %d\n", m.PC())
		return errLoops
	}
	fmt.Fprintln(a.stdout, "terminates")
	return nil
}

func (a *app) cmdFmt(args []string) error {
	fs := flag.NewFlagSet("fmt", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	path, err := oneFile(fs, args)
	if err != nil {
		return err
	}

	prog, _, err := a.load(path, false)
	if err != nil {
		return err
	}
	_, err = io.WriteString(a.stdout, prog.String())
	return err
}

func (a *app) cmdArchive(args []string) error {
	fs := flag.NewFlagSet("archive", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	name := fs.String("name", "", "Label for the program")
	path, err := oneFile(fs, args)
	if err != nil {
		return err
	}

	if err := a.openStores(); err != nil {
		return err
	}
	prog, _, err := a.load(path, false)
	if err != nil {
		return err
	}

	existed := a.archive.Has(types.ComputeProgramID([]byte(prog.String())))
	id, err := a.archive.Put(prog, *name)
	if err != nil {
		return err
	}
	if existed {
		a.log.Info("program already archived", "id", id)
	} else {
		a.log.Info("program archived", "id", id, "name", *name, "instructions", len(prog))
	}

	fmt.Fprintln(a.stdout, id)
	return nil
}

func (a *app) cmdShow(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: show expects exactly one ID or NAME", errUsage)
	}
	if err := a.openStores(); err != nil {
		return err
	}

	rec, err := a.findRecord(args[0])
	if err != nil {
		return err
	}

	fmt.Fprintf(a.stdout, "id: %s\n", rec.ID)
	fmt.Fprintf(a.stdout, "hex: %s\n", rec.ID.Hex())
	if rec.Name != "" {
		fmt.Fprintf(a.stdout, "name: %s\n", rec.Name)
	}
	fmt.Fprintf(a.stdout, "stored: %s\n", rec.StoredAt.Format(time.RFC3339))
	fmt.Fprintf(a.stdout, "instructions: %d (%d jmp/nop)\n", rec.Instructions, rec.ControlFlow)

	memos, err := a.reports.ForProgram(rec.ID)
	if err != nil {
		return err
	}
	for _, r := range memos {
		fmt.Fprintf(a.stdout, "%s: %s accumulator=%d steps=%d", r.Kind, r.Outcome, r.Accumulator, r.Steps)
		if r.Address >= 0 {
			fmt.Fprintf(a.stdout, " address=%d patched=%q", r.Address, r.Patched)
		}
		fmt.Fprintln(a.stdout)
	}

	fmt.Fprintln(a.stdout)
	_, err = io.WriteString(a.stdout, rec.Program.String())
	return err
}

func (a *app) findRecord(ref string) (*progstore.Record, error) {
	if id, err := types.ProgramIDFromBase58(ref); err == nil {
		rec, err := a.archive.Get(id)
		if err == nil || !errors.Is(err, progstore.ErrProgramNotFound) {
			return rec, err
		}
	}
	return a.archive.Lookup(ref)
}

func (a *app) cmdList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	limit := fs.Int("limit", 0, "Maximum entries (0 = all)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if err := a.openStores(); err != nil {
		return err
	}

	entries, err := a.archive.List(*limit)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Fprintf(a.stdout, "%d\t%s\t%d\t%s\n", e.Sequence, e.ID, e.Instructions, e.Name)
	}
	return nil
}

func (a *app) cmdStats(args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("%w: stats takes no arguments", errUsage)
	}
	if err := a.openStores(); err != nil {
		return err
	}

	stats, err := a.archive.GetStats()
	if err != nil {
		return err
	}
	count, err := a.reports.Count()
	if err != nil {
		return err
	}

	fmt.Fprintf(a.stdout, "programs: %d\n", stats.ProgramCount)
	fmt.Fprintf(a.stdout, "named: %d\n", stats.NamedCount)
	fmt.Fprintf(a.stdout, "reports: %d\n", count)
	fmt.Fprintf(a.stdout, "archive bytes: %d\n", stats.DatabaseSize)
	return nil
}

// cmdForget removes a program from the archive along with its reports.
func (a *app) cmdForget(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: forget expects exactly one ID or NAME", errUsage)
	}
	if err := a.openStores(); err != nil {
		return err
	}

	rec, err := a.findRecord(args[0])
	if err != nil {
		return err
	}
	if err := a.reports.Delete(rec.ID); err != nil {
		return fmt.Errorf("delete reports: %w", err)
	}
	if err := a.archive.Delete(rec.ID); err != nil {
		return fmt.Errorf("delete program: %w", err)
	}

	a.log.Info("program forgotten", "id", rec.ID, "name", rec.Name)
	return nil
}

// cmdConfig prints the effective configuration as YAML.
func (a *app) cmdConfig(args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("%w: config takes no arguments", errUsage)
	}
	data, err := a.cfg.Marshal()
	if err != nil {
		return err
	}
	_, err = a.stdout.Write(data)
	return err
}
