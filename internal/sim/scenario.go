// Package sim drives the SVM engine without hardware. A Scenario lists, per
// vCPU, the exits the processor reports; the Runner replays them through the
// engine on one goroutine per physical CPU and checks the run results.
package sim

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/svmcore/internal/config"
	"github.com/tinyrange/svmcore/internal/svm"
)

// SchemaMajor is the scenario format major version this package reads.
const SchemaMajor = "v1"

const defaultMemory = 16 << 20

var ErrInvalidScenario = errors.New("sim: invalid scenario")

// Scenario is a scripted run of one VM.
type Scenario struct {
	Version string `yaml:"version"`
	Name    string `yaml:"name,omitempty"`

	// Capabilities defaults to config.Default() when omitted.
	Capabilities *config.Capabilities `yaml:"capabilities,omitempty"`

	CPUs          int    `yaml:"cpus"`
	Memory        uint64 `yaml:"memory,omitempty"`
	CPUSignature  uint32 `yaml:"cpuSignature,omitempty"`
	UserspaceAPIC bool   `yaml:"userspaceAPIC,omitempty"`

	// HostMSRs seeds the MSRs the processor reports to the engine.
	HostMSRs map[uint32]uint64 `yaml:"hostMSRs,omitempty"`

	VCPUs []VCPUSpec `yaml:"vcpus"`
}

// VCPUSpec is the initial state and exit script of one vCPU.
type VCPUSpec struct {
	ID     int               `yaml:"id"`
	CPU    int               `yaml:"cpu"`
	RIP    uint64            `yaml:"rip,omitempty"`
	RFlags uint64            `yaml:"rflags,omitempty"`
	Regs   map[string]uint64 `yaml:"regs,omitempty"`
	Exits  []Step            `yaml:"exits"`

	regs map[svm.Reg]uint64
}

// Step is one #VMEXIT reported by the processor.
type Step struct {
	Exit    string `yaml:"exit"`
	Info1   uint64 `yaml:"info1,omitempty"`
	Info2   uint64 `yaml:"info2,omitempty"`
	IntInfo uint32 `yaml:"intInfo,omitempty"`
	// Length is the instruction length; the processor reports RIP+Length as
	// the next RIP.
	Length uint64 `yaml:"length,omitempty"`
	// Regs are register values the guest produced before exiting.
	Regs map[string]uint64 `yaml:"regs,omitempty"`
	// Deliver lists interrupt vectors sent to the vCPU before the entry
	// that reports this exit.
	Deliver []uint8 `yaml:"deliver,omitempty"`
	// Want names the error the vCPU must return once this exit has been
	// reported. Empty means every run succeeds.
	Want string `yaml:"want,omitempty"`

	code svm.ExitCode
	regs map[svm.Reg]uint64
	want error
}

// Code is the resolved exit code.
func (s Step) Code() svm.ExitCode { return s.code }

var regNames = map[string]svm.Reg{
	"rax": svm.RAX, "rcx": svm.RCX, "rdx": svm.RDX, "rbx": svm.RBX,
	"rsp": svm.RSP, "rbp": svm.RBP, "rsi": svm.RSI, "rdi": svm.RDI,
	"r8": svm.R8, "r9": svm.R9, "r10": svm.R10, "r11": svm.R11,
	"r12": svm.R12, "r13": svm.R13, "r14": svm.R14, "r15": svm.R15,
	"rip": svm.RIP,
}

var wantErrors = map[string]error{
	"shutdown":         svm.ErrShutdown,
	"failed_entry":     svm.ErrFailedEntry,
	"debug":            svm.ErrDebug,
	"set_tpr":          svm.ErrSetTPR,
	"internal":         svm.ErrInternal,
	"emulation_failed": svm.ErrEmulationFailed,
}

func parseRegs(in map[string]uint64) (map[svm.Reg]uint64, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[svm.Reg]uint64, len(in))
	for name, val := range in {
		r, ok := regNames[strings.ToLower(name)]
		if !ok {
			return nil, fmt.Errorf("unknown register %q", name)
		}
		out[r] = val
	}
	return out, nil
}

func parseExit(name string) (svm.ExitCode, error) {
	if code, ok := svm.ParseExitCode(name); ok {
		return code, nil
	}
	n, err := strconv.ParseUint(name, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("unknown exit %q", name)
	}
	return svm.ExitCode(n), nil
}

func checkVersion(v string) error {
	if !semver.IsValid(v) {
		return fmt.Errorf("%w: version %q is not a semantic version", ErrInvalidScenario, v)
	}
	if semver.Major(v) != SchemaMajor {
		return fmt.Errorf("%w: version %s, this build reads %s.x", ErrInvalidScenario, v, SchemaMajor)
	}
	return nil
}

// Validate checks the scenario and resolves names. It must be called before
// the scenario is run; Parse and Load do so.
func (s *Scenario) Validate() error {
	if err := checkVersion(s.Version); err != nil {
		return err
	}

	caps := config.Default()
	if s.Capabilities != nil {
		caps = *s.Capabilities
		caps.Normalize()
		if err := caps.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidScenario, err)
		}
	}
	s.Capabilities = &caps

	if s.CPUs <= 0 {
		return fmt.Errorf("%w: cpus must be positive", ErrInvalidScenario)
	}
	if s.Memory == 0 {
		s.Memory = defaultMemory
	}

	seen := make(map[int]bool)
	for i := range s.VCPUs {
		spec := &s.VCPUs[i]
		if seen[spec.ID] {
			return fmt.Errorf("%w: vcpu %d listed twice", ErrInvalidScenario, spec.ID)
		}
		seen[spec.ID] = true
		if spec.CPU < 0 || spec.CPU >= s.CPUs {
			return fmt.Errorf("%w: vcpu %d on cpu %d, scenario has %d cpus",
				ErrInvalidScenario, spec.ID, spec.CPU, s.CPUs)
		}

		regs, err := parseRegs(spec.Regs)
		if err != nil {
			return fmt.Errorf("%w: vcpu %d: %w", ErrInvalidScenario, spec.ID, err)
		}
		spec.regs = regs

		for j := range spec.Exits {
			st := &spec.Exits[j]
			if st.code, err = parseExit(st.Exit); err != nil {
				return fmt.Errorf("%w: vcpu %d step %d: %w", ErrInvalidScenario, spec.ID, j, err)
			}
			if st.regs, err = parseRegs(st.Regs); err != nil {
				return fmt.Errorf("%w: vcpu %d step %d: %w", ErrInvalidScenario, spec.ID, j, err)
			}
			if st.Want != "" {
				want, ok := wantErrors[st.Want]
				if !ok {
					return fmt.Errorf("%w: vcpu %d step %d: unknown result %q", ErrInvalidScenario, spec.ID, j, st.Want)
				}
				st.want = want
			}
		}
	}
	return nil
}

// TotalExits returns the number of scripted exits over all vCPUs.
func (s *Scenario) TotalExits() int {
	n := 0
	for _, spec := range s.VCPUs {
		n += len(spec.Exits)
	}
	return n
}

// Parse decodes and validates a scenario, rejecting unknown keys.
func Parse(data []byte) (*Scenario, error) {
	var s Scenario

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidScenario)
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidScenario, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Load reads a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}
