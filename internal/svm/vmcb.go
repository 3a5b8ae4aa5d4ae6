package svm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// VMCBSize is the size of the page holding a VMCB.
const VMCBSize = 4096

// Offset of the save area within the VMCB page.
const saveAreaOffset = 0x400

// Segment is a VMCB segment register (struct vmcb_seg).
type Segment struct {
	Selector uint16
	Attrib   uint16
	Limit    uint32
	Base     uint64
}

// Control is the VMCB control area. Field order and padding follow the
// architectural layout so the struct can be encoded with encoding/binary.
type Control struct {
	InterceptCR         uint32
	InterceptDR         uint32
	InterceptExceptions uint32
	Intercept           uint64
	_                   [42]byte
	PauseFilterCount    uint16
	IOPMBasePA          uint64
	MSRPMBasePA         uint64
	TSCOffset           uint64
	ASID                uint32
	TLBCtl              uint8
	_                   [3]byte
	IntCtl              uint32
	IntVector           uint32
	IntState            uint32
	_                   [4]byte
	ExitCode            ExitCode
	ExitCodeHi          uint32
	ExitInfo1           uint64
	ExitInfo2           uint64
	ExitIntInfo         uint32
	ExitIntInfoErr      uint32
	NestedCtl           uint64
	AVICVAPICBar        uint64
	_                   [8]byte
	EventInj            uint32
	EventInjErr         uint32
	NestedCR3           uint64
	VirtExt             uint64
	Clean               uint32
	_                   [4]byte
	NextRIP             uint64
	InsnLen             uint8
	InsnBytes           [15]byte
	AVICBackingPage     uint64
	_                   [8]byte
	AVICLogicalID       uint64
	AVICPhysicalID      uint64
	_                   [768]byte
}

// Save is the VMCB state save area.
type Save struct {
	ES           Segment
	CS           Segment
	SS           Segment
	DS           Segment
	FS           Segment
	GS           Segment
	GDTR         Segment
	LDTR         Segment
	IDTR         Segment
	TR           Segment
	_            [43]byte
	CPL          uint8
	_            [4]byte
	EFER         uint64
	_            [112]byte
	CR4          uint64
	CR3          uint64
	CR0          uint64
	DR7          uint64
	DR6          uint64
	RFlags       uint64
	RIP          uint64
	_            [88]byte
	RSP          uint64
	_            [24]byte
	RAX          uint64
	STAR         uint64
	LSTAR        uint64
	CSTAR        uint64
	SFMask       uint64
	KernelGSBase uint64
	SysenterCS   uint64
	SysenterESP  uint64
	SysenterEIP  uint64
	CR2          uint64
	_            [32]byte
	GPAT         uint64
	DbgCtl       uint64
	BrFrom       uint64
	BrTo         uint64
	LastExcpFrom uint64
	LastExcpTo   uint64
}

// VMCB is a virtual machine control block.
type VMCB struct {
	Control Control
	Save    Save
}

// CleanBit names a region of the VMCB the processor may cache between runs.
// A set bit in Control.Clean means the cached copy is still valid.
type CleanBit uint

const (
	CleanIntercepts CleanBit = iota // intercept vectors, TSC offset, pause filter
	CleanPermMap                    // IOPM and MSRPM base
	CleanASID
	CleanIntr // int_ctl, int_vector
	CleanNPT  // nested_ctl, nested CR3, gPAT
	CleanCR   // CR0, CR3, CR4, EFER
	CleanDR   // DR6, DR7
	CleanDT   // GDTR, IDTR
	CleanSeg  // CS, DS, SS, ES, CPL
	CleanCR2
	CleanLBR  // DBGCTL and last branch records
	CleanAVIC // APIC bar, backing page, physical and logical tables
	cleanMax
)

// alwaysDirty regions are rewritten before every VMRUN.
const alwaysDirty = 1<<CleanIntr | 1<<CleanCR2

var cleanNames = [...]string{
	CleanIntercepts: "intercepts",
	CleanPermMap:    "perm_map",
	CleanASID:       "asid",
	CleanIntr:       "intr",
	CleanNPT:        "npt",
	CleanCR:         "cr",
	CleanDR:         "dr",
	CleanDT:         "dt",
	CleanSeg:        "seg",
	CleanCR2:        "cr2",
	CleanLBR:        "lbr",
	CleanAVIC:       "avic",
}

func (b CleanBit) String() string {
	if int(b) < len(cleanNames) {
		return cleanNames[b]
	}
	return fmt.Sprintf("clean(%d)", uint(b))
}

// MarkDirty invalidates the processor's cached copy of a region.
func (c *Control) MarkDirty(bit CleanBit) {
	c.Clean &^= 1 << bit
}

// MarkAllDirty forces a full reload on the next VMRUN.
func (c *Control) MarkAllDirty() {
	c.Clean = 0
}

// MarkAllClean marks every region cached except the always-dirty ones.
func (c *Control) MarkAllClean() {
	c.Clean = (1<<cleanMax - 1) &^ alwaysDirty
}

// IsClean reports whether the processor may use its cached copy of bit.
func (c *Control) IsClean(bit CleanBit) bool {
	return c.Clean&(1<<bit) != 0
}

// DirtyRegions lists the regions that will be reloaded on the next VMRUN.
func (c *Control) DirtyRegions() string {
	var names []string
	for b := CleanBit(0); b < cleanMax; b++ {
		if !c.IsClean(b) {
			names = append(names, b.String())
		}
	}
	return strings.Join(names, ",")
}

// MarshalBinary encodes the VMCB into its 4 KiB page image.
func (v *VMCB) MarshalBinary() ([]byte, error) {
	buf := make([]byte, VMCBSize)
	if err := v.Encode(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Encode writes the page image into buf, which must be at least VMCBSize bytes.
func (v *VMCB) Encode(buf []byte) error {
	if len(buf) < VMCBSize {
		return fmt.Errorf("svm: vmcb buffer is %d bytes, need %d", len(buf), VMCBSize)
	}
	w := bytes.NewBuffer(buf[:0])
	if err := binary.Write(w, binary.LittleEndian, &v.Control); err != nil {
		return fmt.Errorf("svm: encode control area: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, &v.Save); err != nil {
		return fmt.Errorf("svm: encode save area: %w", err)
	}
	clear(buf[w.Len():VMCBSize])
	return nil
}

// UnmarshalBinary decodes a VMCB page image.
func (v *VMCB) UnmarshalBinary(data []byte) error {
	if len(data) < saveAreaOffset+binary.Size(&v.Save) {
		return fmt.Errorf("svm: vmcb image is %d bytes", len(data))
	}
	r := bytes.NewReader(data)
	if err := binary.Read(r, binary.LittleEndian, &v.Control); err != nil {
		return fmt.Errorf("svm: decode control area: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &v.Save); err != nil {
		return fmt.Errorf("svm: decode save area: %w", err)
	}
	return nil
}
