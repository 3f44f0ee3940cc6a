// Command plower is the CLI entry point: it reads the statement stream and
// options file named by spec.md §6, drives the File/Action graph through
// internal/load, runs the scheduler, and writes the generated artifacts on
// success. Flag handling follows thought-machine/please's src/please.go
// (a flat go-flags struct, automaxprocs.Set before doing any real work,
// signal.Notify feeding a cancellable context that a background goroutine
// turns into a killer Bail), generalised down from please's dozens of
// subcommands to the single build invocation spec.md §6 names.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/thought-machine/go-flags"
	"go.uber.org/automaxprocs/maxprocs"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/plower-build/plower/internal/binary"
	"github.com/plower-build/plower/internal/clean"
	"github.com/plower-build/plower/internal/climisc"
	"github.com/plower-build/plower/internal/depcache"
	"github.com/plower-build/plower/internal/graph"
	"github.com/plower-build/plower/internal/load"
	"github.com/plower-build/plower/internal/node"
	"github.com/plower-build/plower/internal/options"
	"github.com/plower-build/plower/internal/report"
	"github.com/plower-build/plower/internal/scheduler"
)

var log = climisc.Log

// opts is the flat CLI surface spec.md §6 names; unlike the teacher's
// grouped, multi-command flag tree this engine has exactly one build
// invocation, so there is nothing to group commands under.
var opts struct {
	Statements string `short:"s" long:"statements" description:"Path to the parsed statement-stream file" required:"true"`
	Deps       string `short:"d" long:"deps" description:"Dependency-cache directory root, relative to the build directory" default:"deps"`
	Culprit    bool   `long:"culprit" description:"On failure, print only the culprit action/file rather than the full diagnostic"`
	Details    []bool `short:"v" long:"details" description:"Increase log verbosity (repeatable)"`
	Actions    bool   `short:"a" long:"actions" description:"List every action in the graph, without executing any of them"`
	Jobs       int    `short:"j" long:"jobs" description:"Number of worker goroutines" default:"4"`
	Test       int    `short:"t" long:"test" description:"Per-action timeout, in seconds" default:"600"`
	Clean      bool   `short:"c" long:"clean" description:"Sweep stale output files before building"`
}

func main() {
	os.Exit(run())
}

// run implements the exit-code convention of spec.md §6: 0 success, 1 build
// failure, 2 argument error.
func run() int {
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	climisc.InitLogging(verbosityFor(len(opts.Details)))

	logProcs := func(format string, args ...interface{}) { log.Info(fmt.Sprintf(format, args...)) }
	if _, err := maxprocs.Set(maxprocs.Logger(logProcs)); err != nil {
		log.Warning("failed to set GOMAXPROCS from cgroup limits: %s", err)
	}

	buildDir, err := os.Getwd()
	if err != nil {
		log.Error("could not determine the build directory: %s", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	built, err := build(ctx, buildDir)
	elapsed := time.Since(start).Round(time.Millisecond)
	if err != nil {
		if opts.Culprit {
			fmt.Fprintln(os.Stderr, culpritOnly(err))
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		return 1
	}
	log.Notice("build finished in %s, %s written across built outputs", elapsed, humanize.Bytes(built))
	return 0
}

// verbosityFor maps a -v repeat count onto the logging levels in roughly the
// same steps please.go's --verbosity flag uses.
func verbosityFor(count int) logging.Level {
	switch {
	case count >= 3:
		return climisc.DEBUG
	case count == 2:
		return climisc.INFO
	case count == 1:
		return climisc.NOTICE
	default:
		return climisc.WARNING
	}
}

// build reads the statement stream and options file, constructs the graph
// and runs it to completion, writing the generated artifacts (spec.md §6)
// once the build succeeds. It is the single function that owns the whole
// lifecycle of one invocation, mirroring please.go's buildFunctions entries.
func build(ctx context.Context, buildDir string) (uint64, error) {
	optsStore, err := loadOptions(buildDir)
	if err != nil {
		return 0, err
	}
	arch, err := loadArchTags(buildDir)
	if err != nil {
		return 0, err
	}

	stmtPath := opts.Statements
	if !filepath.IsAbs(stmtPath) {
		stmtPath = filepath.Join(buildDir, stmtPath)
	}
	stmtSrc, err := os.ReadFile(stmtPath)
	if err != nil {
		return 0, fmt.Errorf("reading statement stream: %w", err)
	}
	stmts, err := load.ParseStatements(string(stmtSrc), arch)
	if err != nil {
		return 0, fmt.Errorf("parsing statement stream: %w", err)
	}

	depDir := opts.Deps
	if !filepath.IsAbs(depDir) {
		depDir = filepath.Join(buildDir, depDir)
	}
	dc, err := depcache.New(depDir)
	if err != nil {
		return 0, fmt.Errorf("opening dependency cache: %w", err)
	}

	tree := node.NewTree()
	engine := graph.NewEngine(tree, optsStore, dc)

	optionsFilePath := filepath.Join(buildDir, "Buboptions")
	if optionsFile, err := engine.NewSourceFile(tree.Root(), optionsFilePath); err == nil {
		engine.SetOptionsFile(optionsFile)
	}

	registry := binary.NewRegistry()
	loader := load.NewLoader(engine, optsStore, registry, tree, buildDir)
	if err := loader.Load(stmts); err != nil {
		return 0, fmt.Errorf("loading statements: %w", err)
	}

	all := engine.AllActions()
	for _, a := range all {
		if err := engine.AddCachedDependencies(a); err != nil {
			return 0, fmt.Errorf("%s: importing cached dependencies: %w", a.Name, err)
		}
	}

	if opts.Actions {
		for _, a := range all {
			fmt.Println(a.Name)
		}
		return 0, nil
	}

	if opts.Clean {
		if err := clean.Sweep(buildDir, clean.Roots, engine.KnownPaths(), optsStore.GenerateRules()); err != nil {
			return 0, fmt.Errorf("cleaning stale output: %w", err)
		}
	}

	sched := scheduler.New(engine, all, buildDir, opts.Jobs, time.Duration(opts.Test)*time.Second)
	go sched.Killer.Run(ctx, "signal")

	if err := sched.Run(ctx); err != nil {
		return 0, err
	}

	if err := writeReports(engine, buildDir); err != nil {
		return 0, err
	}
	return builtBytes(engine), nil
}

// builtBytes sums the on-disk size of every built output the engine knows
// about, for the closing summary line.
func builtBytes(e *graph.Engine) uint64 {
	var total uint64
	for _, f := range e.AllFiles() {
		if !f.Built {
			continue
		}
		if info, err := os.Stat(f.Path); err == nil {
			total += uint64(info.Size())
		}
	}
	return total
}

// loadOptions reads and parses the Buboptions file named in spec.md §6's
// build directory layout.
func loadOptions(buildDir string) (*options.Store, error) {
	store := options.New()
	src, err := os.ReadFile(filepath.Join(buildDir, "Buboptions"))
	if err != nil {
		return nil, fmt.Errorf("reading options file: %w", err)
	}
	if err := load.ParseOptions(string(src), store); err != nil {
		return nil, fmt.Errorf("parsing options file: %w", err)
	}
	return store, nil
}

// loadArchTags reads the "environment" file named in spec.md §6's build
// directory layout and returns the tokens bound to ARCHITECTURE, the set of
// tags that gate `[tag] { … }` conditional blocks in the statement stream. A
// missing environment file means no conditional block is ever active.
func loadArchTags(buildDir string) ([]string, error) {
	src, err := os.ReadFile(filepath.Join(buildDir, "environment"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading environment file: %w", err)
	}
	store := options.New()
	if err := load.ParseOptions(string(src), store); err != nil {
		return nil, fmt.Errorf("parsing environment file: %w", err)
	}
	return store.Option("ARCHITECTURE"), nil
}

// writeReports writes every generated artifact named in spec.md §6. It
// collects failures from all four rather than stopping at the first, since
// each artifact is independently useful and a dev tooling consumer of one
// shouldn't be denied the others over an unrelated write error.
func writeReports(e *graph.Engine, buildDir string) error {
	var result *multierror.Error
	writers := []struct {
		name string
		fn   func(*graph.Engine, string) error
	}{
		{"compile_commands.json", report.CompileCommands},
		{"package-depends", report.PackageDepends},
		{"include-paths", report.IncludePaths},
		{"files-of-interest", report.FilesOfInterest},
	}
	for _, w := range writers {
		if err := w.fn(e, filepath.Join(buildDir, w.name)); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", w.name, err))
		}
	}
	return result.ErrorOrNil()
}

// culpritOnly trims a scheduler failure down to the "(culprit: ...)" clause
// scheduler.finish embeds in its error text, for --culprit's terser output.
func culpritOnly(err error) string {
	msg := err.Error()
	const marker = "culprit: "
	i := strings.Index(msg, marker)
	if i < 0 {
		return msg
	}
	rest := msg[i+len(marker):]
	if j := strings.Index(rest, ")"); j >= 0 {
		return rest[:j]
	}
	return msg
}
