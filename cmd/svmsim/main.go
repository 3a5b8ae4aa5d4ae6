package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/svmcore/internal/config"
	"github.com/tinyrange/svmcore/internal/debug"
	"github.com/tinyrange/svmcore/internal/hostcap"
	"github.com/tinyrange/svmcore/internal/sim"
	"github.com/tinyrange/svmcore/internal/svm"
)

func run() error {
	verbose := flag.Bool("v", false, "enable debug logging")
	capsFile := flag.String("caps", "", "capabilities YAML overriding the scenario's")
	probe := flag.Bool("probe", false, "use the capabilities of this host")
	traceFile := flag.String("trace", "", "write a binary exit trace to file")
	pin := flag.Bool("pin", false, "bind each simulated cpu to the host core of the same number")
	progress := flag.Bool("progress", term.IsTerminal(int(os.Stderr.Fd())), "show a progress bar")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `svmsim - replay a scripted SVM scenario

USAGE:
  svmsim [flags] <scenario.yaml>

FLAGS:
`)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	scenario, err := sim.Load(flag.Arg(0))
	if err != nil {
		return err
	}

	switch {
	case *capsFile != "":
		caps, err := config.Load(*capsFile)
		if err != nil {
			return err
		}
		scenario.Capabilities = &caps
	case *probe:
		report, err := hostcap.Probe()
		if err != nil {
			return fmt.Errorf("probe host: %w", err)
		}
		log.Info("svmsim: host", "vendor", report.Vendor, "family", report.Family, "kernel", report.Kernel, "machine", report.Machine)
		scenario.Capabilities = &report.Capabilities
	}
	if err := scenario.Validate(); err != nil {
		return err
	}

	if *traceFile != "" {
		if err := debug.OpenFile(*traceFile); err != nil {
			return fmt.Errorf("open trace: %w", err)
		}
		defer debug.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	runner := &sim.Runner{Scenario: scenario, Log: log, Pin: *pin}
	if *progress {
		pb := progressbar.Default(int64(scenario.TotalExits()), "exits")
		defer pb.Close()
		runner.OnExit = func(int, svm.ExitCode) { pb.Add(1) }
	}

	results, err := runner.Run(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "VCPU\tCPU\tEXITS\tRUNS\tHALTS\tWAKES\tRIP\tERRORS")
	for _, r := range results {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%d\t%#x\t%s\n",
			r.VCPU, r.CPU, r.Exits, r.Runs, r.Halts, r.Wakes, r.RIP, strings.Join(r.Errors, ","))
	}
	return tw.Flush()
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "svmsim: %v\n", err)
		os.Exit(1)
	}
}
