// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owbus

import (
	"errors"
	"time"
)

// Rate selects the signalling rate of a Transport.
type Rate int

const (
	// RateReset is the slow rate used only to frame the reset pulse
	// (9600 baud on a UART).
	RateReset Rate = iota
	// RateData is the rate of every read and write time slot (115200 baud on
	// a UART).
	RateData
)

func (r Rate) String() string {
	switch r {
	case RateReset:
		return "reset"
	case RateData:
		return "data"
	default:
		return "unknown"
	}
}

// Raw units, one per time slot. They must be reproduced bit for bit for a
// UART wired to the bus in half-duplex open-drain mode.
const (
	unitReset  byte = 0xf0 // reset pulse, sent at RateReset only
	unitWrite1 byte = 0xff // write-1 slot
	unitWrite0 byte = 0x00 // write-0 slot
	unitRead   byte = 0xff // read probe; the line reads back 0xff for a 1
)

// ErrTimeout is returned by Transport.Recv when no unit arrived within the
// bound.
var ErrTimeout = errors.New("owbus: transport timeout")

// Transport sends raw time-slot units and reads their response.
//
// Each Send yields at most one response unit. A response that was not
// collected with Recv before the next Send is discarded. Initialisation is the
// job of the implementation's constructor.
type Transport interface {
	// SetRate switches the signalling rate.
	SetRate(r Rate) error
	// Send transmits one raw unit.
	Send(unit byte) error
	// Recv waits at most timeout for the response to the last Send. It returns
	// ErrTimeout on expiry and must never block longer than timeout.
	Recv(timeout time.Duration) (byte, error)
}
