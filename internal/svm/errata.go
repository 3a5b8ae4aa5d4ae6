package svm

import "fmt"

const (
	msrDCCfg = 0xc0011022

	// dcCfgErratum383 disables the TLB multi-match behaviour behind
	// erratum 383.
	dcCfgErratum383 = 1 << 47

	mcBanks = 6
)

// mceQuirk is a machine check signature raised by a known processor erratum
// that the guest can trigger. A match turns the machine check into a guest
// triple fault instead of a host machine check.
type mceQuirk struct {
	name string
	// status is MC0_STATUS with the ignore bits cleared.
	status uint64
	ignore uint64
}

var mceQuirks = []mceQuirk{
	// Family 10h erratum 383: a TLB multi-match on guest pages.
	{name: "erratum 383", status: 0xb600000000010015, ignore: 1 << 62},
}

// initErratum383 applies the DC_CFG workaround. A host that refuses the MSR
// access keeps the erratum and the quirk check stays active.
func (e *Engine) initErratum383() {
	val, err := e.proc.ReadMSR(msrDCCfg)
	if err != nil {
		e.log.Warn("svm: erratum 383 workaround unavailable", "err", err)
		return
	}
	if err := e.proc.WriteMSR(msrDCCfg, val|dcCfgErratum383); err != nil {
		e.log.Warn("svm: erratum 383 workaround unavailable", "err", err)
	}
}

// matchMCEQuirk compares MC0_STATUS against the quirk table. On a match the
// machine check banks are cleared so the host does not see it.
func (e *Engine) matchMCEQuirk() (mceQuirk, bool) {
	if !e.caps.Erratum383 {
		return mceQuirk{}, false
	}
	status, err := e.proc.ReadMSR(MSRMC0Status)
	if err != nil {
		return mceQuirk{}, false
	}

	for _, q := range mceQuirks {
		if status&^q.ignore != q.status {
			continue
		}
		for i := range mcBanks {
			_ = e.proc.WriteMSR(MCStatusMSR(i), 0)
		}
		if mcg, err := e.proc.ReadMSR(MSRMCGStatus); err == nil {
			_ = e.proc.WriteMSR(MSRMCGStatus, mcg&^mcgStatusMCIP)
		}
		return q, true
	}
	return mceQuirk{}, false
}

// handleMCE runs after a machine check exit. A machine check caused by a
// known erratum kills the guest; anything else belongs to the host.
func (v *VCPU) handleMCE() {
	if q, ok := v.vm.engine.matchMCEQuirk(); ok {
		v.log.Error("svm: guest triggered "+q.name+", requesting triple fault",
			"status", fmt.Sprintf("%#x", q.status))
		v.request(reqTripleFault)
		return
	}
	v.log.Error("svm: machine check during guest execution", "rip", fmt.Sprintf("%#x", v.RIP()))
}
