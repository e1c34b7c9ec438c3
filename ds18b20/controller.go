// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds18b20

import (
	"context"
	"errors"
	"time"

	"periph.io/x/conn/v3/onewire"

	"github.com/GermanBionicSystems/thermobus/owbus"
)

// Placeholder alarm thresholds written along with a new resolution.
const (
	placeholderHigh = 0xaa
	placeholderLow  = 0x87
)

// Controller addresses the DS18B20 devices of one bus by index.
//
// Each operation is made of one or more transactions, each starting with a
// reset. Index Broadcast addresses every device with skip ROM; any other index
// addresses one registered device with match ROM.
//
// A Controller is not safe for concurrent use.
type Controller struct {
	bus onewire.Bus
	reg Registry
}

// NewController returns a Controller with an empty registry. Call Discover to
// fill it.
func NewController(bus onewire.Bus) *Controller {
	return &Controller{bus: bus}
}

func (c *Controller) String() string {
	return "ds18b20.Controller{" + c.bus.String() + "}"
}

// Registry returns the devices found by the last Discover.
func (c *Controller) Registry() *Registry {
	return &c.reg
}

// Discover searches the bus and registers the DS18B20 devices found, in the
// order they were found. Devices of other families are walked but ignored.
//
// An empty bus is not an error. When the search fails midway the devices found
// so far are registered and the error is returned with their count.
func (c *Controller) Discover() (int, error) {
	addrs, err := c.search(false)
	if rerr := c.reg.replace(c.bus, addrs); rerr != nil && err == nil {
		err = rerr
	}
	return c.reg.Count(), err
}

// AlarmSearch returns the indices of the registered devices whose last
// conversion is outside their alarm thresholds.
func (c *Controller) AlarmSearch() ([]int, error) {
	addrs, err := c.search(true)
	var out []int
	for _, a := range addrs {
		if i, ok := c.reg.Index(a); ok {
			out = append(out, i)
		}
	}
	return out, err
}

func (c *Controller) search(alarmOnly bool) ([]onewire.Address, error) {
	var addrs []onewire.Address
	var err error
	if s, ok := c.bus.(onewire.BusSearcher); ok {
		addrs, err = owbus.Search(s, &owbus.SearchOpts{AlarmOnly: alarmOnly, Accept: owbus.FamilyFilter(byte(DS18B20))})
	} else {
		var all []onewire.Address
		all, err = c.bus.Search(alarmOnly)
		for _, a := range all {
			if Family(a&0xff) == DS18B20 {
				addrs = append(addrs, a)
			}
		}
	}
	if len(addrs) == 0 && errors.Is(err, owbus.ErrNoPresence) {
		return nil, nil
	}
	// Devices that are present but outside their thresholds stay silent in an
	// alarm search.
	if alarmOnly && len(addrs) == 0 && errors.Is(err, owbus.ErrNoResponse) {
		return nil, nil
	}
	return addrs, err
}

// StartConversion starts a temperature conversion and returns immediately.
func (c *Controller) StartConversion(i int) error {
	return c.tx(i, []byte{cmdConvert}, nil, onewire.StrongPullup)
}

// Convert starts a temperature conversion and waits for the slowest
// addressed device to complete it, or for ctx to be done.
func (c *Controller) Convert(ctx context.Context, i int) error {
	devs, err := c.reg.Select(i)
	if err != nil {
		return err
	}
	res := Resolution9Bits
	if len(devs) == 0 {
		res = Resolution12Bits
	}
	for _, d := range devs {
		if d.resolution > res {
			res = d.resolution
		}
	}
	if err := c.StartConversion(i); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-after(res.ConversionTime()):
		return nil
	}
}

// SetResolution configures the resolution of the addressed devices and reads
// it back from each of them.
//
// The alarm thresholds are overwritten with placeholder values; use SetAlarm
// afterward to set them. ErrDataCorrupted is returned when a device does not
// read back the requested configuration. A broadcast with no registered device
// is ErrAddressing since nothing could be read back.
//
// The reserved bits of the configuration are written as 1, as the device reads
// them back, so 9 bits is 0x1f rather than the 0x10 some firmwares write.
func (c *Controller) SetResolution(i int, r Resolution) error {
	if !r.Valid() {
		return ErrResolution
	}
	devs, err := c.reg.Select(i)
	if err != nil {
		return err
	}
	if len(devs) == 0 {
		return ErrAddressing
	}
	w := []byte{cmdWriteScratchpad, placeholderHigh, placeholderLow, r.config()}
	if err := c.tx(i, w, nil, onewire.WeakPullup); err != nil {
		return err
	}
	for _, d := range devs {
		spad, err := d.readScratchpad(ScratchpadSize)
		if err != nil {
			return err
		}
		if spad.Config() != r.config() {
			return ErrDataCorrupted
		}
	}
	return nil
}

// SetAlarm sets the alarm thresholds of one device, in °C, keeping its
// resolution. The scratchpad is read back to verify it.
func (c *Controller) SetAlarm(i int, high, low int8) error {
	if i == Broadcast {
		return ErrAddressing
	}
	d, err := c.reg.Get(i)
	if err != nil {
		return err
	}
	w := []byte{cmdWriteScratchpad, byte(high), byte(low), d.resolution.config()}
	if err := d.tx(w, nil, onewire.WeakPullup); err != nil {
		return err
	}
	spad, err := d.readScratchpad(ScratchpadSize)
	if err != nil {
		return err
	}
	if spad.AlarmHigh() != high || spad.AlarmLow() != low || spad.Config() != w[3] {
		return ErrDataCorrupted
	}
	return nil
}

// SaveConfig copies the alarm thresholds and configuration of the addressed
// devices to their EEPROM. Nothing is verified.
func (c *Controller) SaveConfig(i int) error {
	if err := c.tx(i, []byte{cmdCopyScratchpad}, nil, onewire.StrongPullup); err != nil {
		return err
	}
	// EEPROM write time, datasheet p.4.
	sleep(10 * time.Millisecond)
	return nil
}

// LoadConfig reloads the alarm thresholds and configuration of the addressed
// devices from their EEPROM. Nothing is verified.
func (c *Controller) LoadConfig(i int) error {
	return c.tx(i, []byte{cmdRecallEEPROM}, nil, onewire.WeakPullup)
}

// ReadScratchpad reads the first n bytes of the scratchpad, n being clamped
// to ScratchpadSize.
//
// Broadcast is only accepted when exactly one device is registered. A full
// read is checked against its CRC; a partial one cannot be.
func (c *Controller) ReadScratchpad(i, n int) ([]byte, error) {
	if n <= 0 {
		return nil, ErrLength
	}
	if n > ScratchpadSize {
		n = ScratchpadSize
	}
	var d *Dev
	var tx func(w, r []byte) error
	if i == Broadcast {
		if c.reg.Count() != 1 {
			return nil, ErrAddressing
		}
		d = c.reg.devs[0]
		tx = func(w, r []byte) error {
			return c.bus.Tx(append([]byte{cmdSkipROM}, w...), r, onewire.WeakPullup)
		}
	} else {
		var err error
		if d, err = c.reg.Get(i); err != nil {
			return nil, err
		}
		tx = d.onewire.Tx
	}
	spad, err := readScratchpad(tx, n)
	if err != nil {
		return nil, err
	}
	d.cache(spad, n)
	return spad[:n], nil
}

// Temperature reads the result of the last conversion in °C.
func (c *Controller) Temperature(i int) (float64, error) {
	b, err := c.ReadScratchpad(i, spadConfig+1)
	if err != nil {
		return 0, err
	}
	var spad Scratchpad
	copy(spad[:], b)
	return spad.Celsius(), nil
}

// Parasitic reports whether an addressed device draws its power from the data
// line. With Broadcast it reports whether any device does.
func (c *Controller) Parasitic(i int) (bool, error) {
	var r [1]byte
	if err := c.tx(i, []byte{cmdReadPowerSupply}, r[:], onewire.WeakPullup); err != nil {
		return false, err
	}
	// Parasite powered devices pull the first read slot low.
	return r[0]&1 == 0, nil
}

// tx runs one transaction on the devices addressed by i.
func (c *Controller) tx(i int, w, r []byte, power onewire.Pullup) error {
	if i == Broadcast {
		return c.bus.Tx(append([]byte{cmdSkipROM}, w...), r, power)
	}
	d, err := c.reg.Get(i)
	if err != nil {
		return err
	}
	return d.tx(w, r, power)
}

// tx runs one match ROM transaction on d.
func (d *Dev) tx(w, r []byte, power onewire.Pullup) error {
	if power == onewire.StrongPullup {
		return d.onewire.TxPower(w, r)
	}
	return d.onewire.Tx(w, r)
}

var after = time.After
