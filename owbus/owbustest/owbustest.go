// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package owbustest is meant to be used to test 1-wire code against a
// simulated bus.
//
// Sim implements owbus.Transport at the time slot level: every simulated
// device answers each slot simultaneously and the line is the wired-AND of
// their outputs, so searches see real discrepancies.
package owbustest

import (
	"sync"
	"time"

	"periph.io/x/conn/v3/onewire"

	"github.com/GermanBionicSystems/thermobus/owbus"
)

// Sim is a simulated bus implementing owbus.Transport.
type Sim struct {
	sync.Mutex
	// Devices are the devices wired to the bus.
	Devices []*Device
	// Mute drops every response so that each Recv times out.
	Mute bool
	// Resets counts the reset pulses seen on the bus.
	Resets int

	rate    owbus.Rate
	resp    byte
	hasResp bool
}

func (s *Sim) String() string {
	return "sim"
}

// SetRate implements owbus.Transport.
func (s *Sim) SetRate(r owbus.Rate) error {
	s.Lock()
	defer s.Unlock()
	s.rate = r
	return nil
}

// Send implements owbus.Transport.
func (s *Sim) Send(unit byte) error {
	s.Lock()
	defer s.Unlock()
	s.hasResp = !s.Mute
	if s.rate == owbus.RateReset {
		s.resp = unit
		if unit != 0xf0 {
			return nil
		}
		s.Resets++
		for _, d := range s.Devices {
			d.reset()
			// The presence pulse pulls the upper bits of the unit low.
			s.resp = 0xe0
		}
		return nil
	}

	master := byte(0)
	if unit == 0xff {
		master = 1
	}
	line := master
	if master == 1 {
		for _, d := range s.Devices {
			if b, ok := d.drive(); ok && b == 0 {
				line = 0
			}
		}
	}
	for _, d := range s.Devices {
		d.clock(line)
	}
	switch {
	case master == 0:
		s.resp = 0x00
	case line == 1:
		s.resp = 0xff
	default:
		s.resp = 0xf8
	}
	return nil
}

// Recv implements owbus.Transport. It never waits: a response is either
// there or the slot timed out.
func (s *Sim) Recv(timeout time.Duration) (byte, error) {
	s.Lock()
	defer s.Unlock()
	if !s.hasResp {
		return 0, owbus.ErrTimeout
	}
	s.hasResp = false
	return s.resp, nil
}

// Device is a simulated DS18B20.
type Device struct {
	// Addr is the device identifier.
	Addr onewire.Address
	// Temp is the raw value latched by a conversion, in 1/16°C. Bits below the
	// configured resolution are latched as is.
	Temp int16
	// Scratchpad holds the 8 data bytes; the CRC is computed on read.
	Scratchpad [8]byte
	// EEPROM holds TH, TL and the configuration register.
	EEPROM [3]byte
	// Parasitic makes the device report parasite power.
	Parasitic bool
	// StuckConfig makes the device ignore writes to its configuration
	// register.
	StuckConfig bool
	// BadCRC makes the device send a wrong scratchpad CRC.
	BadCRC bool

	st     state
	bits   uint64
	nbits  int
	out    []byte
	pos    int
	phase  int
	nbytes int
}

// NewDevice returns a device in its power-on state: 85°C, 12 bits.
func NewDevice(addr onewire.Address) *Device {
	return &Device{
		Addr:       addr,
		Temp:       0x0550,
		Scratchpad: [8]byte{0x50, 0x05, 0x4b, 0x46, 0x7f, 0xff, 0x0c, 0x10},
		EEPROM:     [3]byte{0x4b, 0x46, 0x7f},
	}
}

// Config returns the configuration register.
func (d *Device) Config() byte {
	return d.Scratchpad[4]
}

type state int

const (
	stIdle   state = iota // deselected until the next reset
	stROM                 // receiving a ROM command
	stSearch              // taking part in a search
	stMatch               // receiving an identifier
	stFunc                // receiving a function command
	stWrite               // receiving scratchpad bytes
	stSend                // transmitting out
	stDone                // command complete, reads as 1
)

func (d *Device) reset() {
	d.st = stROM
	d.bits = 0
	d.nbits = 0
	d.out = nil
	d.pos = 0
	d.phase = 0
	d.nbytes = 0
}

func (d *Device) addrBit(p int) byte {
	return byte(d.Addr>>uint(p)) & 1
}

// drive returns the bit the device puts on the line in a read slot.
func (d *Device) drive() (byte, bool) {
	switch d.st {
	case stSearch:
		switch d.phase {
		case 0:
			return d.addrBit(d.pos), true
		case 1:
			return d.addrBit(d.pos) ^ 1, true
		}
	case stSend:
		return d.out[d.pos], true
	}
	return 0, false
}

// receive shifts one bit in and reports whether n bits were accumulated.
func (d *Device) receive(bit byte, n int) bool {
	d.bits |= uint64(bit) << uint(d.nbits)
	d.nbits++
	return d.nbits == n
}

func (d *Device) clearShift() {
	d.bits = 0
	d.nbits = 0
}

func (d *Device) clock(line byte) {
	switch d.st {
	case stROM:
		if d.receive(line, 8) {
			cmd := byte(d.bits)
			d.clearShift()
			d.romCommand(cmd)
		}
	case stSearch:
		switch d.phase {
		case 0, 1:
			d.phase++
		case 2:
			if line != d.addrBit(d.pos) {
				d.st = stIdle
				return
			}
			d.phase = 0
			d.pos++
			if d.pos == 64 {
				d.pos = 0
				d.st = stFunc
			}
		}
	case stMatch:
		if d.receive(line, 64) {
			match := onewire.Address(d.bits) == d.Addr
			d.clearShift()
			if match {
				d.st = stFunc
			} else {
				d.st = stIdle
			}
		}
	case stFunc:
		if d.receive(line, 8) {
			cmd := byte(d.bits)
			d.clearShift()
			d.function(cmd)
		}
	case stWrite:
		if d.receive(line, 8) {
			v := byte(d.bits)
			d.clearShift()
			switch d.nbytes {
			case 0, 1:
				d.Scratchpad[2+d.nbytes] = v
			case 2:
				if !d.StuckConfig {
					// Reserved bits read back as 1, bit 7 as 0.
					d.Scratchpad[4] = v&0x60 | 0x1f
				}
			}
			d.nbytes++
			if d.nbytes == 3 {
				d.st = stDone
			}
		}
	case stSend:
		d.pos++
		if d.pos == len(d.out) {
			d.st = stDone
		}
	}
}

func (d *Device) romCommand(cmd byte) {
	switch cmd {
	case 0xf0:
		d.st = stSearch
	case 0xec:
		if d.alarm() {
			d.st = stSearch
		} else {
			d.st = stIdle
		}
	case 0x55:
		d.st = stMatch
	case 0xcc:
		d.st = stFunc
	case 0x33:
		d.send(bitsOf(d.Addr, 64))
	default:
		d.st = stIdle
	}
	d.pos = 0
	d.phase = 0
}

func (d *Device) function(cmd byte) {
	switch cmd {
	case 0x44:
		d.Scratchpad[0] = byte(d.Temp)
		d.Scratchpad[1] = byte(uint16(d.Temp) >> 8)
		d.st = stDone
	case 0x4e:
		d.nbytes = 0
		d.st = stWrite
	case 0xbe:
		var buf [9]byte
		copy(buf[:], d.Scratchpad[:])
		buf[8] = onewire.CalcCRC(buf[:8])
		if d.BadCRC {
			buf[8] ^= 0xff
		}
		d.send(bytesBits(buf[:]))
	case 0x48:
		copy(d.EEPROM[:], d.Scratchpad[2:5])
		d.st = stDone
	case 0xb8:
		copy(d.Scratchpad[2:5], d.EEPROM[:])
		d.st = stDone
	case 0xb4:
		if d.Parasitic {
			d.send([]byte{0})
		} else {
			d.send([]byte{1})
		}
	default:
		d.st = stIdle
	}
}

func (d *Device) send(bits []byte) {
	d.out = bits
	d.pos = 0
	d.st = stSend
}

// alarm reports whether the latched temperature is outside [TL, TH].
func (d *Device) alarm() bool {
	t := int16(uint16(d.Scratchpad[1])<<8|uint16(d.Scratchpad[0])) >> 4
	return t >= int16(int8(d.Scratchpad[2])) || t <= int16(int8(d.Scratchpad[3]))
}

func bitsOf(v onewire.Address, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(v>>uint(i)) & 1
	}
	return out
}

func bytesBits(buf []byte) []byte {
	out := make([]byte, 0, 8*len(buf))
	for _, b := range buf {
		for i := uint(0); i < 8; i++ {
			out = append(out, b>>i&1)
		}
	}
	return out
}

var _ owbus.Transport = &Sim{}
