// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owbus

import (
	"encoding/binary"

	"periph.io/x/conn/v3/onewire"
)

const (
	cmdSearchROM   = 0xf0 // enumerate every device
	cmdSearchAlarm = 0xec // enumerate devices in alarm state
)

// SearchOpts controls Search.
type SearchOpts struct {
	// AlarmOnly restricts the search to devices in alarm state.
	AlarmOnly bool
	// Accept filters the identifiers returned. Rejected identifiers are still
	// walked on the bus. nil accepts everything.
	Accept func(onewire.Address) bool
}

// FamilyFilter returns an Accept function keeping identifiers of family f.
func FamilyFilter(f byte) func(onewire.Address) bool {
	return func(a onewire.Address) bool {
		return Family(a) == f
	}
}

// Search enumerates the identifiers of the devices on the bus with the
// discrepancy tracking binary search of Maxim application note 187.
//
// One pass discovers one identifier, so the search takes as many passes as
// there are devices on the bus. The order of the result is the order the
// branches are explored in, not numeric order.
//
// ErrNoPresence is returned if nobody answers the first reset. If an error
// occurs later the identifiers accepted so far are returned with the error.
func Search(bus onewire.BusSearcher, opts *SearchOpts) ([]onewire.Address, error) {
	if opts == nil {
		opts = &SearchOpts{}
	}
	cmd := byte(cmdSearchROM)
	if opts.AlarmOnly {
		cmd = cmdSearchAlarm
	}

	var found []onewire.Address
	var rom uint64
	lastDiscrepancy := -1
	for {
		if err := bus.Tx([]byte{cmd}, nil, onewire.WeakPullup); err != nil {
			return found, err
		}
		lastZero := -1
		for p := 0; p < 64; p++ {
			// Branch to take should the devices disagree at p.
			var dir byte
			switch {
			case p == lastDiscrepancy:
				dir = 1
			case p > lastDiscrepancy:
				dir = 0
			default:
				dir = byte(rom>>uint(p)) & 1
			}
			tr, err := bus.SearchTriplet(dir)
			if err != nil {
				return found, err
			}
			if !tr.GotZero && !tr.GotOne {
				return found, ErrNoResponse
			}
			if tr.GotZero && tr.GotOne && tr.Taken == 0 {
				lastZero = p
			}
			rom &^= 1 << uint(p)
			rom |= uint64(tr.Taken&1) << uint(p)
		}

		// A silent bus reads as all zeros, which passes the CRC.
		addr := onewire.Address(rom)
		if addr == 0 || !ValidCRC(addr) {
			return found, ErrBadCRC
		}
		if opts.Accept == nil || opts.Accept(addr) {
			found = append(found, addr)
		}

		lastDiscrepancy = lastZero
		if lastDiscrepancy == -1 {
			return found, nil
		}
	}
}

// Family returns the family code of the identifier, its first byte on the
// wire.
func Family(a onewire.Address) byte {
	return byte(a)
}

// Serial returns the 48-bit serial number of the identifier.
func Serial(a onewire.Address) uint64 {
	return uint64(a) >> 8 & 0xffffffffffff
}

// CRC returns the CRC8 byte carried by the identifier.
func CRC(a onewire.Address) byte {
	return byte(a >> 56)
}

// ValidCRC reports whether the identifier's CRC8 matches its first 7 bytes.
func ValidCRC(a onewire.Address) bool {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(a))
	return onewire.CheckCRC(buf[:])
}

// MakeAddress builds an identifier from a family code and a 48-bit serial,
// computing its CRC8.
func MakeAddress(family byte, serial uint64) onewire.Address {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(family)|(serial&0xffffffffffff)<<8)
	buf[7] = onewire.CalcCRC(buf[:7])
	return onewire.Address(binary.LittleEndian.Uint64(buf[:]))
}
