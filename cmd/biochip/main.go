// biochip compiles a droplet program and runs it on the electrode grid.
//
// Usage:
//
//	biochip -config biochip.cfg -program mix.txt [options]
//
// Options:
//
//	-config string        Host configuration file, INI or YAML (required)
//	-program string       Instruction file (required)
//	-force                Run the lines that compiled even if others did not
//	-check                Compile and report diagnostics, then exit
//	-version-check        Ask the device for its version before running
//	-trace                Log every frame on the link
//	-logfile string       Log to a rotating file as well as stderr
//
// Examples:
//
//	# Run against the simulator
//	mock-biochip -socket /tmp/biochip &
//	biochip -config sim.yaml -program examples/mix.txt -trace
//
//	# Only check a program
//	biochip -config biochip.cfg -program mix.txt -check
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"biochip-go/pkg/log"
)

type options struct {
	configFile   string
	programFile  string
	force        bool
	check        bool
	versionCheck bool
	trace        bool
	logFile      string
}

func main() {
	os.Exit(realMain())
}

func realMain() int {
	var opts options
	flag.StringVar(&opts.configFile, "config", "", "Host configuration file, INI or YAML (required)")
	flag.StringVar(&opts.programFile, "program", "", "Instruction file (required)")
	flag.BoolVar(&opts.force, "force", false, "Run the lines that compiled even if others did not")
	flag.BoolVar(&opts.check, "check", false, "Compile and report diagnostics, then exit")
	flag.BoolVar(&opts.versionCheck, "version-check", false, "Ask the device for its version before running")
	flag.BoolVar(&opts.trace, "trace", false, "Log every frame on the link")
	flag.StringVar(&opts.logFile, "logfile", "", "Log file path (default: stderr only)")
	flag.Parse()

	if opts.configFile == "" || opts.programFile == "" {
		fmt.Fprintf(os.Stderr, "Error: -config and -program are required\n")
		flag.Usage()
		return 2
	}

	if opts.logFile != "" {
		logger, fw, err := log.NewFileLogger("", log.RotationConfig{
			Filename:   opts.logFile,
			MaxSize:    10,
			MaxBackups: 5,
			Compress:   true,
		}, true)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			return 1
		}
		defer fw.Close()
		log.ConfigureFromEnv(logger)
		log.SetDefaultLogger(logger)
	}
	if opts.trace {
		log.GetLogger("").SetLevel(log.TRACE)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, opts, os.Stderr); err != nil {
		log.GetLogger("biochip").WithError(err).Error("run failed")
		return 1
	}
	return 0
}
