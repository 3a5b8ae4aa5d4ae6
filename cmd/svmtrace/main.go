package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"

	"github.com/tinyrange/svmcore/internal/debug"
	"github.com/tinyrange/svmcore/internal/svm"
)

// describe renders the code of a record by event type.
func describe(r debug.Record) string {
	switch r.Event {
	case debug.EventExit, debug.EventNestedVMExit, debug.EventNestedIntercept, debug.EventFailedEntry:
		return svm.ExitCode(r.Code).String()
	}
	return fmt.Sprintf("%#x", r.Code)
}

func formatRecord(ts time.Time, src string, r debug.Record) string {
	return fmt.Sprintf("%s [%s] %s vcpu=%d code=%s arg1=%#x arg2=%#x arg3=%#x dur=%s",
		ts.Format(time.RFC3339Nano), src, r.Event, r.VCPU, describe(r), r.Arg1, r.Arg2, r.Arg3, r.Duration)
}

type summaryRow struct {
	name  string
	count int
	total time.Duration
}

// pad right-aligns or left-aligns s to width display cells.
func pad(s string, width int, right bool) string {
	n := width - ansi.StringWidth(s)
	if n <= 0 {
		return s
	}
	if right {
		return strings.Repeat(" ", n) + s
	}
	return s + strings.Repeat(" ", n)
}

func writeSummary(w io.Writer, rows []summaryRow, maxWidth int) {
	slices.SortFunc(rows, func(a, b summaryRow) int {
		if a.count != b.count {
			return b.count - a.count
		}
		return strings.Compare(a.name, b.name)
	})

	header := []string{"EVENT", "COUNT", "TOTAL", "AVG"}
	table := [][]string{header}
	for _, r := range rows {
		avg := time.Duration(0)
		if r.count > 0 {
			avg = r.total / time.Duration(r.count)
		}
		table = append(table, []string{r.name, fmt.Sprint(r.count), r.total.String(), avg.String()})
	}

	widths := make([]int, len(header))
	for _, row := range table {
		for i, cell := range row {
			widths[i] = max(widths[i], ansi.StringWidth(cell))
		}
	}
	if maxWidth > 0 {
		rest := 0
		for _, w := range widths[1:] {
			rest += w + 2
		}
		widths[0] = max(8, min(widths[0], maxWidth-rest))
	}

	for _, row := range table {
		cells := make([]string, len(row))
		for i, cell := range row {
			if i == 0 {
				cells[i] = pad(ansi.Truncate(cell, widths[0], "…"), widths[0], false)
				continue
			}
			cells[i] = pad(cell, widths[i], true)
		}
		fmt.Fprintln(w, strings.Join(cells, "  "))
	}
}

func parseEvents(list string) ([]debug.Event, error) {
	if list == "" {
		return nil, nil
	}
	var out []debug.Event
	for _, name := range strings.Split(list, ",") {
		e, ok := debug.ParseEvent(strings.TrimSpace(name))
		if !ok {
			return nil, fmt.Errorf("unknown event %q", name)
		}
		out = append(out, e)
	}
	return out, nil
}

func run() error {
	list := flag.Bool("list", false, "list all sources in the log")
	timeRange := flag.Bool("range", false, "print the earliest and latest timestamps")
	summary := flag.Bool("summary", false, "print per-event counts and durations")
	source := flag.String("source", "", "regex to filter sources")
	events := flag.String("event", "", "comma separated events to show (e.g. exit,nested_vmrun)")
	exit := flag.String("exit", "", "regex to filter exit code names")
	vcpu := flag.Int("vcpu", -1, "only show records of this vcpu")
	limit := flag.Int("limit", 100, "limit the number of entries (0 for unlimited)")
	tail := flag.Bool("tail", false, "show last N entries instead of first N")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `svmtrace - inspect SVM exit traces

USAGE:
  svmtrace [flags] <filename>

FLAGS:
  -list          List all unique source names in the log, one per line
  -range         Show earliest/latest timestamps and total duration
  -summary       Count records and sum durations per event and exit code
  -source REGEX  Only show entries where source matches regex
  -event LIST    Only show these events (exit, nested_vmrun, nested_vmexit, inject, asid, ...)
  -exit REGEX    Only show records whose exit code name matches regex
  -vcpu N        Only show records of vcpu N
  -limit N       Max entries to return (default: 100). Errors if exceeded; use -tail or 0 for unlimited
  -tail          Show last N entries instead of first N (combine with -limit)

EXAMPLES:
  svmtrace trace.bin                         Show records (errors if >100)
  svmtrace -summary trace.bin                Exit counts and time spent in the guest
  svmtrace -event exit -exit '^npf$' trace.bin
  svmtrace -vcpu 1 -tail -limit 20 trace.bin
`)
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	reader, closer, err := debug.NewReaderFromFile(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to open trace file: %w", err)
	}
	defer closer.Close()

	if *list {
		for _, src := range reader.Sources() {
			fmt.Println(src)
		}
		return nil
	}

	if *timeRange {
		earliest, latest := reader.TimeRange()
		fmt.Printf("earliest: %s\nlatest:   %s\nduration: %s\n", earliest, latest, latest.Sub(earliest))
		return nil
	}

	opts := debug.SearchOptions{}
	if opts.Events, err = parseEvents(*events); err != nil {
		return err
	}
	if *source != "" {
		re, err := regexp.Compile(*source)
		if err != nil {
			return fmt.Errorf("invalid source regex: %w", err)
		}
		for _, src := range reader.Sources() {
			if re.MatchString(src) {
				opts.Sources = append(opts.Sources, src)
			}
		}
		if len(opts.Sources) == 0 {
			return nil
		}
	}
	var exitRe *regexp.Regexp
	if *exit != "" {
		if exitRe, err = regexp.Compile(*exit); err != nil {
			return fmt.Errorf("invalid exit regex: %w", err)
		}
	}

	keep := func(r debug.Record) bool {
		if *vcpu >= 0 && r.VCPU != uint32(*vcpu) {
			return false
		}
		if exitRe != nil && !exitRe.MatchString(describe(r)) {
			return false
		}
		return true
	}

	if *summary {
		byName := make(map[string]*summaryRow)
		if err := reader.Records(opts, func(_ time.Time, _ string, r debug.Record) error {
			if !keep(r) {
				return nil
			}
			name := r.Event.String()
			if r.Event == debug.EventExit {
				name += " " + describe(r)
			}
			row := byName[name]
			if row == nil {
				row = &summaryRow{name: name}
				byName[name] = row
			}
			row.count++
			row.total += r.Duration
			return nil
		}); err != nil {
			return fmt.Errorf("failed to read trace: %w", err)
		}

		var rows []summaryRow
		for _, r := range byName {
			rows = append(rows, *r)
		}
		width := 0
		if term.IsTerminal(int(os.Stdout.Fd())) {
			width, _, _ = term.GetSize(int(os.Stdout.Fd()))
		}
		writeSummary(os.Stdout, rows, width)
		return nil
	}

	var lines []string
	if err := reader.Records(opts, func(ts time.Time, src string, r debug.Record) error {
		if keep(r) {
			lines = append(lines, formatRecord(ts, src, r))
		}
		return nil
	}); err != nil {
		return fmt.Errorf("failed to read trace: %w", err)
	}

	if *limit > 0 && len(lines) > *limit {
		switch {
		case *tail:
			lines = lines[len(lines)-*limit:]
		case *limit == 100:
			return fmt.Errorf("too many entries: %d (limit is %d). Use -tail for last %d, or explicitly set a limit using -limit",
				len(lines), *limit, *limit)
		default:
			lines = lines[:*limit]
		}
	}

	for _, line := range lines {
		fmt.Println(line)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "svmtrace: %v\n", err)
		os.Exit(1)
	}
}
