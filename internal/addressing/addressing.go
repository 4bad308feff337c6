// Package addressing derives tap names, subnets, and MAC addresses from a
// VM's net index. The derivation is a pure function of the index so no
// state beyond the index itself needs to be recorded to reconstruct a VM's
// network identity after a restart.
package addressing

import (
	"fmt"

	"github.com/noidvm/noid/internal/noiderr"
)

// MaxNetIndex is the exclusive upper bound of the net index domain
// (172.16.0.0/16 carved into /30 subnets).
const MaxNetIndex = 16384

// Addr is the derived network identity of a single net index.
type Addr struct {
	Index     int
	TapName   string
	HostIP    string
	GuestIP   string
	Broadcast string
	MAC       string
}

// Derive computes the fixed addressing tuple for index (spec.md §4.3).
// Derive never fails for index in [0, MaxNetIndex); out-of-range indexes
// return ErrInvalidArg.
func Derive(index int) (Addr, error) {
	if index < 0 || index >= MaxNetIndex {
		return Addr{}, noiderr.Wrap(noiderr.ErrInvalidArg, fmt.Sprintf("net index %d out of range [0,%d)", index, MaxNetIndex), fmt.Errorf("out of range"))
	}

	third := index >> 6
	fourth := (index << 2) & 0xff

	return Addr{
		Index:     index,
		TapName:   fmt.Sprintf("noid%d", index),
		HostIP:    fmt.Sprintf("172.16.%d.%d", third, fourth+1),
		GuestIP:   fmt.Sprintf("172.16.%d.%d", third, fourth+2),
		Broadcast: fmt.Sprintf("172.16.%d.%d", third, fourth+3),
		MAC:       fmt.Sprintf("AA:FC:00:00:%02x:%02x", (index>>8)&0xff, index&0xff),
	}, nil
}

// BootArgsFragment returns the kernel ip= fragment for this addressing
// tuple, to be appended to the hypervisor boot-source boot_args.
func (a Addr) BootArgsFragment() string {
	return fmt.Sprintf("ip=%s::%s:255.255.255.252::eth0:off", a.GuestIP, a.HostIP)
}
