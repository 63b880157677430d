// Verdict CLI - runs compiled rule programs against files
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
	"golang.org/x/term"

	"github.com/chazu/verdict/manifest"
	"github.com/chazu/verdict/module"
	"github.com/chazu/verdict/modules/nu1l"
	"github.com/chazu/verdict/modules/tests"
	"github.com/chazu/verdict/pkg/bytecode"
	"github.com/chazu/verdict/scan"
	"github.com/chazu/verdict/store"
)

var log = commonlog.GetLogger("verdict.cli")

// listFlag collects a repeatable flag.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// options is everything main parsed from the command line.
type options struct {
	configDir string
	dbPath    string
	timeout   time.Duration
	workers   int
	dump      bool
	history   int
	strings   bool
	tags      bool
	negate    bool
	verbose   bool
	defines   listFlag
	modData   listFlag
	disable   listFlag
}

func main() {
	var opts options
	flag.StringVar(&opts.configDir, "c", "", "Directory holding verdict.toml (default: search upward from the working directory)")
	flag.StringVar(&opts.dbPath, "db", "", "Save reports to this SQLite database")
	flag.DurationVar(&opts.timeout, "timeout", 0, "Abort each scan after this long")
	flag.IntVar(&opts.workers, "j", 0, "Number of files scanned concurrently")
	flag.BoolVar(&opts.dump, "dump", false, "Disassemble the program and exit")
	flag.IntVar(&opts.history, "history", 0, "List the N most recent stored scans and exit")
	flag.BoolVar(&opts.strings, "s", false, "Print matching patterns")
	flag.BoolVar(&opts.tags, "g", false, "Print rule tags")
	flag.BoolVar(&opts.negate, "n", false, "Print rules that did not match")
	flag.BoolVar(&opts.verbose, "v", false, "Verbose output")
	flag.Var(&opts.defines, "d", "Define an external variable (name=value, repeatable)")
	flag.Var(&opts.modData, "x", "Pass a data file to a module (module=path, repeatable)")
	flag.Var(&opts.disable, "disable", "Disable a rule by identifier (repeatable)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: verdict [options] program.vrbc [files...]\n\n")
		fmt.Fprintf(os.Stderr, "Runs a compiled rule program against each file.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  verdict rules.vrbc sample.bin            # Scan one file\n")
		fmt.Fprintf(os.Stderr, "  verdict -s -d limit=1024 rules.vrbc *.exe  # Show patterns, set an external\n")
		fmt.Fprintf(os.Stderr, "  verdict -dump rules.vrbc                 # Disassemble\n")
		fmt.Fprintf(os.Stderr, "  verdict -db scans.db -history 10         # List stored scans\n")
	}
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, opts, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, args []string) error {
	cfg, err := loadConfig(opts.configDir)
	if err != nil {
		return err
	}
	configureLogging(cfg, opts.verbose)

	db, err := openStore(cfg, opts.dbPath)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	if opts.history > 0 {
		if db == nil {
			return fmt.Errorf("-history needs a database (-db or [store] path)")
		}
		return printHistory(ctx, os.Stdout, db, opts.history)
	}

	if len(args) < 1 {
		flag.Usage()
		return fmt.Errorf("no program given")
	}

	program, err := bytecode.ReadFile(args[0])
	if err != nil {
		return err
	}
	if err := cfg.CheckProgram(program); err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}

	if opts.dump {
		fmt.Print(program.DisassembleWithName(args[0]))
		return nil
	}

	files := args[1:]
	if len(files) == 0 {
		return fmt.Errorf("no files to scan")
	}

	registry, err := newRegistry(cfg)
	if err != nil {
		return err
	}
	defer registry.Finalize()

	scanOpts := cfg.ScanOptions()
	if opts.timeout > 0 {
		scanOpts.Timeout = opts.timeout
	}
	scanner, err := scan.NewScanner(program, registry, scanOpts)
	if err != nil {
		return err
	}
	if err := configureScanner(scanner, cfg, opts); err != nil {
		return err
	}

	workers := cfg.Engine.Workers
	if opts.workers > 0 {
		workers = opts.workers
	}
	reports, err := scanFiles(ctx, scanner, files, workers)
	if err != nil {
		return err
	}

	p := &printer{
		out:     os.Stdout,
		color:   term.IsTerminal(int(os.Stdout.Fd())),
		strings: opts.strings,
		tags:    opts.tags,
		negate:  opts.negate,
	}
	failed := 0
	for _, r := range reports {
		p.report(r)
		if !r.OK() {
			failed++
		}
		if db != nil {
			if err := db.Save(ctx, r); err != nil {
				return err
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d scans failed", failed, len(reports))
	}
	return nil
}

func loadConfig(dir string) (*manifest.Config, error) {
	if dir != "" {
		return manifest.Load(dir)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, err := manifest.FindAndLoad(wd)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = manifest.Default()
	}
	return cfg, nil
}

func configureLogging(cfg *manifest.Config, verbose bool) {
	verbosity := cfg.Log.Verbosity
	if verbose && verbosity < 2 {
		verbosity = 2
	}
	var path *string
	if f := cfg.LogFile(); f != "" {
		path = &f
	}
	commonlog.Configure(verbosity, path)
}

func openStore(cfg *manifest.Config, override string) (*store.Store, error) {
	path := cfg.StorePath()
	if override != "" {
		path = override
	}
	if path == "" {
		return nil, nil
	}
	return store.Open(path)
}

// available lists every module the CLI can register.
var available = map[string]func() module.Module{
	tests.Name: func() module.Module { return tests.New() },
	nu1l.Name:  func() module.Module { return nu1l.New() },
}

func newRegistry(cfg *manifest.Config) (*module.Registry, error) {
	registry := module.NewRegistry()
	registry.SetMaxFunctionArgs(cfg.Engine.MaxFunctionArgs)

	names := cfg.Modules.Enabled
	if len(names) == 0 {
		names = []string{tests.Name, nu1l.Name}
	}
	for _, name := range names {
		newModule, ok := available[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", module.ErrUnknownModule, name)
		}
		if err := registry.Register(newModule()); err != nil {
			return nil, err
		}
	}
	if err := registry.Initialize(); err != nil {
		return nil, err
	}
	log.Debugf("modules: %s", strings.Join(registry.Names(), ", "))
	return registry, nil
}

func configureScanner(s *scan.Scanner, cfg *manifest.Config, opts options) error {
	if err := cfg.Apply(s); err != nil {
		return err
	}
	for _, def := range opts.defines {
		name, v, err := scan.ParseDefine(def)
		if err != nil {
			return err
		}
		if err := s.Define(name, v); err != nil {
			return err
		}
	}

	data := cfg.ModuleDataPaths()
	for _, assign := range opts.modData {
		name, path, ok := strings.Cut(assign, "=")
		if !ok || name == "" || path == "" {
			return fmt.Errorf("bad module data %q, want module=path", assign)
		}
		data[name] = path
	}
	for name, path := range data {
		blob, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("module data for %s: %w", name, err)
		}
		if err := s.SetModuleData(name, blob); err != nil {
			return err
		}
	}

	for _, rule := range opts.disable {
		if err := s.DisableRule(rule); err != nil {
			return err
		}
	}
	return nil
}
