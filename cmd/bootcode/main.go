// bootcode runs, checks and repairs handheld boot-code programs.
//
// Usage:
//
//	bootcode [flags] run [-trace] FILE
//	bootcode [flags] repair [-workers N] [-all] FILE
//	bootcode [flags] check FILE
//	bootcode [flags] fmt FILE
//	bootcode [flags] archive [-name NAME] FILE
//	bootcode [flags] show ID|NAME
//	bootcode [flags] list [-limit N]
//	bootcode [flags] stats
//	bootcode [flags] forget ID|NAME
//	bootcode [flags] config
//
// FILE may be "-" to read the listing from stdin.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fortiblox/bootcode/pkg/config"
	"github.com/fortiblox/bootcode/pkg/logging"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// Configuration flags
var (
	configPath  = flag.String("config", "", "Path to a YAML config file")
	dataDir     = flag.String("data-dir", "", "Directory for the program archive and report store")
	logLevel    = flag.String("log-level", "", "Log level: debug, info, warn, error")
	logFile     = flag.String("log-file", "", "Also write JSON logs to this file")
	stepLimit   = flag.Uint64("step-limit", 0, "Maximum instructions per run (0 = unlimited)")
	noStore     = flag.Bool("no-store", false, "Do not archive programs or memoize reports")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("bootcode %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}

	if flag.NArg() == 0 {
		usage()
		os.Exit(exitUsage)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "bootcode: %v\n", err)
		os.Exit(exitFailure)
	}

	log, closeLog, err := logging.New(logging.Config{Level: cfg.Log.Level, File: cfg.Log.File})
	if err != nil {
		fmt.Fprintf(os.Stderr, "bootcode: %v\n", err)
		os.Exit(exitFailure)
	}

	// Create context with cancellation
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	a := newApp(cfg, log, os.Stdin, os.Stdout)
	code := a.dispatch(ctx, flag.Args())

	a.close()
	cancel()
	_ = closeLog()
	os.Exit(code)
}

// loadConfig reads the config file, if any, and applies flags that were set
// explicitly on the command line.
func loadConfig() (config.Config, error) {
	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "data-dir":
			cfg.DataDir = *dataDir
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-file":
			cfg.Log.File = *logFile
		case "step-limit":
			cfg.VM.StepLimit = *stepLimit
		case "no-store":
			cfg.Store = !*noStore
		}
	})

	return cfg, cfg.Validate()
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: bootcode [flags] COMMAND [args]

Commands:
  run [-trace] FILE                  Print the accumulator when the program loops or ends
  repair [-workers N] [-all] FILE    Find the jmp/nop flip that makes the program end
  check FILE                         Report whether the program terminates
  fmt FILE                           Print the canonical listing
  archive [-name NAME] FILE          Store the program and print its ID
  show ID|NAME                       Print an archived program and its reports
  list [-limit N]                    List archived programs
  stats                              Print archive and report counts
  forget ID|NAME                     Remove a program and its reports
  config                             Print the effective configuration

Flags:
`)
	flag.PrintDefaults()
}
