// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package owbus implements a 1-wire bus master on top of a byte oriented
// Transport, where every time slot is one transmitted unit and its echo.
//
// Bus implements periph's onewire.BusSearcher so the drivers written for
// periph work on it unchanged. Search enumerates the devices on any
// onewire.BusSearcher.
//
// More details
//
// https://www.analog.com/en/technical-articles/using-a-uart-to-implement-a-1wire-bus-master.html
//
// https://www.analog.com/en/app-notes/1wire-search-algorithm.html
package owbus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/onewire"
)

// Opts contains options to pass to the constructor.
type Opts struct {
	// ReadTimeout bounds the wait for the response of a single time slot. A
	// slot that does not resolve in time reads as 0.
	ReadTimeout time.Duration
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	ReadTimeout: 10 * time.Millisecond,
}

// New returns a 1-wire bus master driving the bus through t.
//
// The returned Bus implements onewire.BusSearcher and can be used by any
// periph 1-wire device driver.
func New(t Transport, opts *Opts) (*Bus, error) {
	if t == nil {
		return nil, errors.New("owbus: nil transport")
	}
	if opts == nil {
		opts = &DefaultOpts
	}
	if opts.ReadTimeout <= 0 {
		return nil, errors.New("owbus: ReadTimeout must be positive")
	}
	if err := t.SetRate(RateData); err != nil {
		return nil, fmt.Errorf("owbus: error while setting data rate: %w", err)
	}
	return &Bus{t: t, timeout: opts.ReadTimeout}, nil
}

// Bus is a bit-banged 1-wire bus master on top of a Transport.
//
// Tx holds a lock for the whole transaction. Sequencing several transactions
// that belong together is the caller's business.
type Bus struct {
	mu      sync.Mutex
	t       Transport
	timeout time.Duration
}

func (b *Bus) String() string {
	if s, ok := b.t.(fmt.Stringer); ok {
		return "owbus{" + s.String() + "}"
	}
	return "owbus"
}

// Halt implements conn.Resource.
func (b *Bus) Halt() error {
	return nil
}

// Reset issues a reset pulse and returns true if any device answered with a
// presence pulse.
//
// A device is present when a unit came back within the bound and it differs
// from the transmitted reset unit: the presence pulse pulls some of its bits
// low. A unit echoed unchanged, or none at all, means the bus is empty.
func (b *Bus) Reset() (present bool, err error) {
	// The data rate is restored on every path, keeping the first error.
	defer func() {
		if rerr := b.t.SetRate(RateData); rerr != nil && err == nil {
			present, err = false, rerr
		}
	}()
	if err := b.t.SetRate(RateReset); err != nil {
		return false, err
	}
	if err := b.t.Send(unitReset); err != nil {
		return false, err
	}
	v, err := b.t.Recv(b.timeout)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return false, nil
		}
		return false, err
	}
	return v != unitReset, nil
}

// WriteBit writes the least significant bit of bit in one time slot.
func (b *Bus) WriteBit(bit byte) error {
	if bit&1 != 0 {
		return b.t.Send(unitWrite1)
	}
	return b.t.Send(unitWrite0)
}

// ReadBit runs one read time slot.
//
// Only a response of all ones decodes to 1. Anything else decodes to 0,
// including a slot that timed out: a silent bus reads as absent, not as an
// error.
func (b *Bus) ReadBit() (byte, error) {
	if err := b.t.Send(unitRead); err != nil {
		return 0, err
	}
	v, err := b.t.Recv(b.timeout)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return 0, nil
		}
		return 0, err
	}
	if v == 0xff {
		return 1, nil
	}
	return 0, nil
}

// WriteByte writes c least significant bit first.
func (b *Bus) WriteByte(c byte) error {
	for i := uint(0); i < 8; i++ {
		if err := b.WriteBit(c >> i); err != nil {
			return err
		}
	}
	return nil
}

// ReadByte reads one byte, least significant bit first.
func (b *Bus) ReadByte() (byte, error) {
	var c byte
	for i := uint(0); i < 8; i++ {
		bit, err := b.ReadBit()
		if err != nil {
			return 0, err
		}
		c |= bit << i
	}
	return c, nil
}

// Tx performs a bus transaction: a reset, then w is written and len(r) bytes
// are read.
//
// ErrNoPresence is returned when no device answers the reset. power is
// accepted for compatibility with onewire.Bus; a UART master cannot drive a
// strong pull-up so parasite powered devices need an external one.
func (b *Bus) Tx(w, r []byte, power onewire.Pullup) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if present, err := b.Reset(); err != nil {
		return err
	} else if !present {
		return ErrNoPresence
	}
	for _, c := range w {
		if err := b.WriteByte(c); err != nil {
			return err
		}
	}
	for i := range r {
		c, err := b.ReadByte()
		if err != nil {
			return err
		}
		r[i] = c
	}
	return nil
}

// SearchTriplet reads an identifier bit and its complement, then writes the
// branch taken.
//
// When the devices disagree the branch is direction; otherwise it is the bit
// they all share. SearchTriplet should not be used directly, use Search
// instead.
func (b *Bus) SearchTriplet(direction byte) (onewire.TripletResult, error) {
	var tr onewire.TripletResult
	bit, err := b.ReadBit()
	if err != nil {
		return tr, err
	}
	comp, err := b.ReadBit()
	if err != nil {
		return tr, err
	}
	// A 0 read means at least one surviving device holds that value.
	tr.GotZero = bit == 0
	tr.GotOne = comp == 0
	switch {
	case tr.GotZero && tr.GotOne:
		tr.Taken = direction & 1
	case tr.GotOne:
		tr.Taken = 1
	default:
		tr.Taken = 0
	}
	if err := b.WriteBit(tr.Taken); err != nil {
		return tr, err
	}
	return tr, nil
}

// Search returns the identifiers of all devices on the bus, or of the devices
// in alarm state if alarmOnly is true.
//
// If an error occurs during the search the already-discovered devices are
// returned with the error.
func (b *Bus) Search(alarmOnly bool) ([]onewire.Address, error) {
	return Search(b, &SearchOpts{AlarmOnly: alarmOnly})
}

// busError implements error and onewire.BusError.
type busError string

func (e busError) Error() string  { return string(e) }
func (e busError) BusError() bool { return true }

const (
	// ErrNoPresence is returned when no device answered the reset pulse.
	ErrNoPresence = busError("owbus: no device present")
	// ErrNoResponse is returned when no device answered during a search step,
	// both the bit and its complement read as 1.
	ErrNoResponse = busError("owbus: no device answered the search")
	// ErrBadCRC is returned when a searched identifier fails its CRC.
	ErrBadCRC = busError("owbus: identifier CRC mismatch")
)

var _ conn.Resource = &Bus{}
var _ onewire.BusSearcher = &Bus{}
