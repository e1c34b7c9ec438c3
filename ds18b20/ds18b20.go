// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ds18b20 interfaces to Dallas Semi / Maxim DS18B20 digital
// thermometers on a 1-wire bus.
//
// Dev drives a single device by its identifier. Controller discovers every
// DS18B20 of a bus into a Registry and addresses them by index.
//
// Datasheet
//
// https://datasheets.maximintegrated.com/en/ds/DS18B20.pdf
package ds18b20

import (
	"errors"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/physic"
)

// Family code of the specific device type
type Family byte

func (f Family) String() string {
	if f == DS18B20 {
		return "DS18B20"
	}
	return "unknown"
}

// DS18B20 is the only family admitted by discovery.
const DS18B20 Family = 0x28

// ROM and function commands, datasheet p.10-12.
const (
	cmdMatchROM        = 0x55 // address one device
	cmdSkipROM         = 0xcc // address every device at once
	cmdConvert         = 0x44 // start a temperature conversion
	cmdWriteScratchpad = 0x4e // write TH, TL and configuration
	cmdReadScratchpad  = 0xbe // read the scratchpad
	cmdCopyScratchpad  = 0x48 // copy TH, TL and configuration to EEPROM
	cmdRecallEEPROM    = 0xb8 // reload TH, TL and configuration from EEPROM
	cmdReadPowerSupply = 0xb4 // parasite powered devices answer 0
)

// ConvertAll performs a conversion on all DS18B20 devices on the bus.
//
// During the conversion it places the bus in strong pull-up mode to power
// parasitic devices and returns when the conversions have completed. This time
// period is determined by the maximum resolution of all devices on the bus and
// must be provided.
//
// ConvertAll uses time.Sleep to wait for the conversion to finish, which takes
// from 94ms to 750ms.
func ConvertAll(o onewire.Bus, maxResolution Resolution) error {
	if !maxResolution.Valid() {
		return ErrResolution
	}
	if err := StartAll(o); err != nil {
		return err
	}
	sleep(maxResolution.ConversionTime())
	return nil
}

// StartAll starts a conversion on all DS18B20 devices on the bus.
// Similar to ConvertAll but returns without waiting for conversion to finish.
// To be used in conjunction with LastTemp() function. Conversion timing must be
// handled by other means.
func StartAll(o onewire.Bus) error {
	return o.Tx([]byte{cmdSkipROM, cmdConvert}, nil, onewire.StrongPullup)
}

// New returns an object that communicates over 1-wire to the DS18B20 sensor
// with the specified 64-bit address.
//
// The resolution determines how many bits of precision the readings have and
// affects the conversion time: 9bits:94ms, 10bits:188ms, 11bits:375ms,
// 12bits:750ms. When the device is configured differently the new
// configuration is written and copied to EEPROM; the alarm thresholds are
// preserved.
//
// A resolution of 10 bits corresponds to 0.25C and tends to be a good
// compromise between conversion time and the device's inherent accuracy of
// +/-0.5C.
func New(o onewire.Bus, addr onewire.Address, resolution Resolution) (*Dev, error) {
	if !resolution.Valid() {
		return nil, ErrResolution
	}
	if Family(addr&0xff) != DS18B20 {
		return nil, errors.New("ds18b20: not a DS18B20 address")
	}
	d := newDev(o, addr)

	// Start by reading the scratchpad memory, this will tell us whether we can
	// talk to the device correctly and also how it's configured.
	if _, err := d.readScratchpad(ScratchpadSize); err != nil {
		return nil, err
	}

	if d.resolution != resolution {
		w := []byte{cmdWriteScratchpad, d.spad[spadAlarmHigh], d.spad[spadAlarmLow], resolution.config()}
		if err := d.onewire.Tx(w, nil); err != nil {
			return nil, err
		}
		// Copy the scratchpad to EEPROM to save the values.
		if err := d.onewire.TxPower([]byte{cmdCopyScratchpad}, nil); err != nil {
			return nil, err
		}
		// Wait for the write to complete.
		sleep(10 * time.Millisecond)
		d.spad[spadConfig] = resolution.config()
		d.resolution = resolution
	}
	return d, nil
}

func newDev(o onewire.Bus, addr onewire.Address) *Dev {
	d := &Dev{onewire: onewire.Dev{Bus: o, Addr: addr}, resolution: Resolution12Bits}
	d.spad[spadConfig] = Resolution12Bits.config()
	return d
}

// Dev is a handle to a Dallas Semi / Maxim DS18B20 temperature sensor on a
// 1-wire bus.
//
// It caches the last scratchpad read from the device and the resolution it is
// configured with; until the first read the resolution is the power-on
// default of 12 bits.
type Dev struct {
	onewire    onewire.Dev // device on 1-wire bus
	spad       Scratchpad  // last scratchpad read
	resolution Resolution  // resolution in bits (9..12)

	mu       sync.Mutex
	shutdown chan struct{} // closed by Halt to stop SenseContinuous
}

// Addr returns the device's 64-bit identifier.
func (d *Dev) Addr() onewire.Address {
	return d.onewire.Addr
}

func (d *Dev) Family() Family {
	return Family(d.onewire.Addr & 0xFF)
}

func (d *Dev) String() string {
	return d.Family().String() + "{" + d.onewire.String() + "}"
}

// Scratchpad returns the scratchpad cached by the last read.
func (d *Dev) Scratchpad() Scratchpad {
	return d.spad
}

// Resolution returns the cached resolution.
func (d *Dev) Resolution() Resolution {
	return d.resolution
}

// Halt implements conn.Resource. It stops SenseContinuous.
func (d *Dev) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shutdown != nil {
		close(d.shutdown)
		d.shutdown = nil
	}
	return nil
}

// Sense implements physic.SenseEnv.
func (d *Dev) Sense(e *physic.Env) error {
	if err := d.onewire.TxPower([]byte{cmdConvert}, nil); err != nil {
		return err
	}
	sleep(d.resolution.ConversionTime())
	t, err := d.LastTemp()
	if err != nil {
		return err
	}
	e.Temperature = t
	return nil
}

// SenseContinuous implements physic.SenseEnv. Call Halt to stop it.
func (d *Dev) SenseContinuous(interval time.Duration) (<-chan physic.Env, error) {
	if interval < d.resolution.ConversionTime() {
		return nil, errors.New("ds18b20: interval shorter than the conversion time")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shutdown != nil {
		return nil, errors.New("ds18b20: already sensing continuously")
	}
	d.shutdown = make(chan struct{})
	ch := make(chan physic.Env, 16)
	go func(shutdown <-chan struct{}) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		defer close(ch)
		for {
			select {
			case <-shutdown:
				return
			case <-ticker.C:
				var e physic.Env
				if err := d.Sense(&e); err == nil && len(ch) < cap(ch) {
					ch <- e
				}
			}
		}
	}(d.shutdown)
	return ch, nil
}

// Precision implements physic.SenseEnv.
func (d *Dev) Precision(e *physic.Env) {
	e.Temperature = d.resolution.Precision()
}

// LastTemp reads the temperature resulting from the last conversion from the
// device.
//
// It is useful in combination with ConvertAll. The power-on value of 85°C is
// returned as is: a reading taken before any conversion is not detected.
func (d *Dev) LastTemp() (physic.Temperature, error) {
	spad, err := d.readScratchpad(ScratchpadSize)
	if err != nil {
		return 0, err
	}
	return spad.Temperature(), nil
}

// readScratchpad reads the first n bytes of the scratchpad of this device and
// updates the cache.
func (d *Dev) readScratchpad(n int) (Scratchpad, error) {
	spad, err := readScratchpad(d.onewire.Tx, n)
	if err != nil {
		return spad, err
	}
	d.cache(spad, n)
	return spad, nil
}

// cache stores the first n bytes of spad.
func (d *Dev) cache(spad Scratchpad, n int) {
	copy(d.spad[:n], spad[:n])
	if n > spadConfig {
		d.resolution = spad.Resolution()
	}
}

// readScratchpad issues a read scratchpad command through tx and clocks n
// bytes. A full read is checked against its CRC.
//
// Once the configuration register is read, a silent device is detected: bits
// 0-4 of the register always read as 1 and bit 7 as 0, so it is neither all
// zeros nor all ones.
func readScratchpad(tx func(w, r []byte) error, n int) (Scratchpad, error) {
	var spad Scratchpad
	if err := tx([]byte{cmdReadScratchpad}, spad[:n]); err != nil {
		return spad, err
	}
	if n <= spadConfig {
		return spad, nil
	}
	if blank(spad[:n], 0x00) || blank(spad[:n], 0xff) {
		return spad, ErrNoResponse
	}
	if n < ScratchpadSize {
		return spad, nil
	}
	if !spad.Valid() {
		return spad, ErrDataCorrupted
	}
	return spad, nil
}

func blank(b []byte, v byte) bool {
	for _, c := range b {
		if c != v {
			return false
		}
	}
	return true
}

// busError implements error and onewire.BusError.
type busError string

func (e busError) Error() string  { return string(e) }
func (e busError) BusError() bool { return true }

const (
	// ErrDataCorrupted is returned when a scratchpad fails its CRC or does not
	// read back what was written.
	ErrDataCorrupted = busError("ds18b20: scratchpad data corrupted")
	// ErrNoResponse is returned when a scratchpad reads as all zeros or all
	// ones: the addressed device did not answer.
	ErrNoResponse = busError("ds18b20: device did not respond")
)

var (
	// ErrInvalidIndex is returned for a device index that is neither
	// registered nor Broadcast.
	ErrInvalidIndex = errors.New("ds18b20: invalid device index")
	// ErrAddressing is returned for a broadcast operation that cannot be
	// answered by the registered devices: a read needs exactly one, a verified
	// write at least one.
	ErrAddressing = errors.New("ds18b20: broadcast not answerable by the registered devices")
	// ErrLength is returned for a zero length scratchpad read.
	ErrLength = errors.New("ds18b20: invalid scratchpad read length")
	// ErrResolution is returned for a resolution outside 9..12 bits.
	ErrResolution = errors.New("ds18b20: invalid resolution")
	// ErrTooManyDevices is returned when discovery finds more devices than the
	// registry can hold. It is a configuration error.
	ErrTooManyDevices = errors.New("ds18b20: too many devices on the bus")
)

var sleep = time.Sleep

var _ conn.Resource = &Dev{}
var _ physic.SenseEnv = &Dev{}
