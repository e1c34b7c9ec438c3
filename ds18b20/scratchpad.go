// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds18b20

import (
	"strconv"
	"time"

	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/physic"
)

// Scratchpad byte offsets (datasheet p.7).
const (
	spadTempLSB   = 0
	spadTempMSB   = 1
	spadAlarmHigh = 2
	spadAlarmLow  = 3
	spadConfig    = 4
	spadCRC       = 8

	// ScratchpadSize is the size of the scratchpad including its CRC.
	ScratchpadSize = 9
)

// Scratchpad is a snapshot of the device's volatile memory: temperature LSB
// and MSB, alarm high and low thresholds, configuration register, three
// reserved bytes and the CRC of the first eight.
type Scratchpad [ScratchpadSize]byte

// Raw returns the signed conversion result in 1/16°C, including bits that are
// undefined at the configured resolution.
func (s *Scratchpad) Raw() int16 {
	return int16(uint16(s[spadTempMSB])<<8 | uint16(s[spadTempLSB]))
}

// AlarmHigh returns the TH threshold in °C.
func (s *Scratchpad) AlarmHigh() int8 {
	return int8(s[spadAlarmHigh])
}

// AlarmLow returns the TL threshold in °C.
func (s *Scratchpad) AlarmLow() int8 {
	return int8(s[spadAlarmLow])
}

// Config returns the configuration register.
func (s *Scratchpad) Config() byte {
	return s[spadConfig]
}

// Resolution returns the resolution encoded in the configuration register.
func (s *Scratchpad) Resolution() Resolution {
	return resolutionFromConfig(s[spadConfig])
}

// CRC returns the CRC byte as read from the device.
func (s *Scratchpad) CRC() byte {
	return s[spadCRC]
}

// Valid reports whether the CRC matches the first eight bytes.
func (s *Scratchpad) Valid() bool {
	return onewire.CheckCRC(s[:])
}

// Celsius decodes the conversion result.
//
// The bits below the configured resolution are undefined (datasheet p.6) and
// are cleared before scaling. Only the first five bytes need to be valid.
func (s *Scratchpad) Celsius() float64 {
	return float64(s.masked()) / 16
}

// Temperature returns the conversion result as a physic.Temperature.
func (s *Scratchpad) Temperature() physic.Temperature {
	// The value has 4 fractional bits: scale in Kelvin then divide by 16.
	// Datasheet p.4.
	v := physic.Temperature(s.masked())
	return v*physic.Kelvin/16 + physic.ZeroCelsius
}

func (s *Scratchpad) masked() int16 {
	raw := s.Raw()
	bits := (s[spadConfig] & 0x60) >> 5
	return raw &^ (int16(1)<<(3-bits) - 1)
}

// Resolution is the conversion precision in bits, 9 to 12.
type Resolution uint8

const (
	Resolution9Bits  Resolution = 9  // 0.5°C, 93.75ms
	Resolution10Bits Resolution = 10 // 0.25°C, 187.5ms
	Resolution11Bits Resolution = 11 // 0.125°C, 375ms
	Resolution12Bits Resolution = 12 // 0.0625°C, 750ms, power-on default
)

// Valid reports whether r is one of the four supported resolutions.
func (r Resolution) Valid() bool {
	return r >= Resolution9Bits && r <= Resolution12Bits
}

func (r Resolution) String() string {
	if !r.Valid() {
		return "Resolution(" + strconv.Itoa(int(r)) + ")"
	}
	return strconv.Itoa(int(r)) + " bits"
}

// ConversionTime returns the maximum conversion time at resolution r
// (datasheet p.6).
func (r Resolution) ConversionTime() time.Duration {
	if !r.Valid() {
		r = Resolution12Bits
	}
	return (93750 * time.Microsecond) << uint(r-Resolution9Bits)
}

// Precision returns the temperature step at resolution r.
func (r Resolution) Precision() physic.Temperature {
	if !r.Valid() {
		r = Resolution12Bits
	}
	return physic.Kelvin / 2 >> uint(r-Resolution9Bits)
}

// config returns the configuration register value selecting r. Bits 0-4 are
// reserved and read back as 1, bit 7 reads back as 0.
func (r Resolution) config() byte {
	return byte(r-Resolution9Bits)<<5 | 0x1f
}

func resolutionFromConfig(c byte) Resolution {
	return Resolution9Bits + Resolution((c&0x60)>>5)
}
