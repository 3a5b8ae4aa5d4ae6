// Package hostcap derives engine capabilities from the host CPU description.
package hostcap

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tinyrange/svmcore/internal/config"
)

const procCPUInfo = "/proc/cpuinfo"

var ErrNoSVM = errors.New("host CPU does not support SVM")

// Report is the result of probing the host.
type Report struct {
	Vendor  string
	Family  int
	Flags   map[string]bool
	Kernel  string
	Machine string

	Capabilities config.Capabilities
}

// Probe reads the host CPU description and returns matching capabilities.
func Probe() (Report, error) {
	data, err := os.ReadFile(procCPUInfo)
	if err != nil {
		return Report{}, fmt.Errorf("read %s: %w", procCPUInfo, err)
	}
	r, err := Parse(string(data))
	if err != nil {
		return Report{}, err
	}
	r.Kernel, r.Machine = uname()
	return r, nil
}

// Parse interprets the first processor block of a cpuinfo file.
func Parse(cpuinfo string) (Report, error) {
	first := strings.TrimSpace(strings.SplitAfter(cpuinfo, "\n\n")[0])
	if first == "" {
		return Report{}, fmt.Errorf("hostcap: cannot determine CPU details")
	}

	r := Report{Flags: make(map[string]bool)}
	for _, line := range strings.Split(first, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "vendor_id":
			r.Vendor = value
		case "cpu family":
			r.Family, _ = strconv.Atoi(value)
		case "flags":
			for _, f := range strings.Fields(value) {
				r.Flags[f] = true
			}
		}
	}

	if !r.Flags["svm"] {
		return r, ErrNoSVM
	}

	r.Capabilities = config.Capabilities{
		NPT:           r.Flags["npt"],
		NRIPS:         r.Flags["nrip_save"],
		AVIC:          r.Flags["avic"],
		Nested:        true,
		FlushByASID:   r.Flags["flushbyasid"],
		DecodeAssists: r.Flags["decodeassists"],
		LBRV:          r.Flags["lbrv"],
		PauseFilter:   r.Flags["pausefilter"],
		VGIF:          r.Flags["vgif"],
		// Family 10h parts raise a spurious MCE on TLB multimatch.
		Erratum383: r.Family == 0x10,
	}
	r.Capabilities.Normalize()

	return r, nil
}
