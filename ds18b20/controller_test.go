// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds18b20

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"sort"
	"testing"
	"time"

	"periph.io/x/conn/v3/onewire"

	"github.com/GermanBionicSystems/thermobus/owbus"
	"github.com/GermanBionicSystems/thermobus/owbus/owbustest"
)

func newSimController(t *testing.T, devs ...*owbustest.Device) (*Controller, *owbustest.Sim) {
	sim := &owbustest.Sim{Devices: devs}
	b, err := owbus.New(sim, nil)
	if err != nil {
		t.Fatal(err)
	}
	return NewController(b), sim
}

func simDevices(serials ...uint64) []*owbustest.Device {
	var out []*owbustest.Device
	for _, s := range serials {
		out = append(out, owbustest.NewDevice(owbus.MakeAddress(byte(DS18B20), s)))
	}
	return out
}

// discovered returns a controller whose registry holds devs, in discovery
// order.
func discovered(t *testing.T, devs ...*owbustest.Device) (*Controller, *owbustest.Sim) {
	c, sim := newSimController(t, devs...)
	n, err := c.Discover()
	if err != nil {
		t.Fatal(err)
	}
	if n != len(devs) {
		t.Fatalf("discovered %d devices, want %d", n, len(devs))
	}
	sim.Resets = 0
	return c, sim
}

// simOf returns the simulated device registered at index i.
func simOf(t *testing.T, c *Controller, sim *owbustest.Sim, i int) *owbustest.Device {
	d, err := c.Registry().Get(i)
	if err != nil {
		t.Fatal(err)
	}
	for _, sd := range sim.Devices {
		if sd.Addr == d.Addr() {
			return sd
		}
	}
	t.Fatalf("%s not simulated", d)
	return nil
}

func mustErr(t *testing.T, err, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func mustTemp(t *testing.T, c *Controller, i int, want float64) {
	t.Helper()
	v, err := c.Temperature(i)
	if err != nil {
		t.Fatal(err)
	}
	if v != want {
		t.Fatalf("got %g°C, want %g°C", v, want)
	}
}

func TestDiscover(t *testing.T) {
	devs := simDevices(1, 2, 0x0000070e41ac)
	other := owbustest.NewDevice(owbus.MakeAddress(0x10, 3))
	c, sim := newSimController(t, append(devs, other)...)

	n, err := c.Discover()
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("%d devices", n)
	}
	if sim.Resets != 4 {
		t.Fatalf("%d resets", sim.Resets)
	}

	var got, want []onewire.Address
	for _, d := range c.Registry().Devices() {
		got = append(got, d.Addr())
	}
	for _, d := range devs {
		want = append(want, d.Addr)
	}
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
	if !reflect.DeepEqual(want, got) {
		t.Fatalf("got %v, want %v", got, want)
	}

	i, ok := c.Registry().Index(devs[2].Addr)
	if !ok {
		t.Fatal("registered device not indexed")
	}
	d, err := c.Registry().Get(i)
	if err != nil {
		t.Fatal(err)
	}
	if d.Addr() != devs[2].Addr {
		t.Fatalf("index %d is %s", i, d)
	}
	if _, ok := c.Registry().Index(other.Addr); ok {
		t.Fatal("other family registered")
	}

	// A second discovery replaces the registry.
	sim.Devices = sim.Devices[:1]
	if n, err = c.Discover(); err != nil || n != 1 {
		t.Fatalf("rediscovered %d devices: %v", n, err)
	}
}

func TestDiscover_empty(t *testing.T) {
	c, sim := newSimController(t)
	n, err := c.Discover()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 || sim.Resets != 1 {
		t.Fatalf("%d devices, %d resets", n, sim.Resets)
	}
}

func TestDiscover_tooMany(t *testing.T) {
	var serials []uint64
	for i := uint64(0); i <= MaxDevices; i++ {
		serials = append(serials, i+1)
	}
	c, _ := newSimController(t, simDevices(serials...)...)
	n, err := c.Discover()
	mustErr(t, err, ErrTooManyDevices)
	if n != MaxDevices {
		t.Fatalf("%d devices registered", n)
	}
}

// listBus is a bus that cannot run search triplets.
type listBus struct {
	addrs []onewire.Address
}

func (l *listBus) String() string                            { return "list" }
func (l *listBus) Tx(w, r []byte, power onewire.Pullup) error { return nil }
func (l *listBus) Search(alarmOnly bool) ([]onewire.Address, error) {
	return l.addrs, nil
}

func TestDiscover_otherBus(t *testing.T) {
	a := owbus.MakeAddress(0x28, 7)
	c := NewController(&listBus{addrs: []onewire.Address{owbus.MakeAddress(0x3b, 1), a}})
	n, err := c.Discover()
	if err != nil || n != 1 {
		t.Fatalf("%d devices: %v", n, err)
	}
	d, err := c.Registry().Get(0)
	if err != nil {
		t.Fatal(err)
	}
	if d.Addr() != a {
		t.Fatalf("registered %s", d)
	}
	if s := c.String(); s != "ds18b20.Controller{list}" {
		t.Fatal(s)
	}
}

func TestRegistry_select(t *testing.T) {
	c, _ := discovered(t, simDevices(1, 2)...)
	r := c.Registry()
	if all, err := r.Select(Broadcast); err != nil || len(all) != 2 {
		t.Fatalf("broadcast selected %d: %v", len(all), err)
	}
	if one, err := r.Select(1); err != nil || len(one) != 1 {
		t.Fatalf("index 1 selected %d: %v", len(one), err)
	}
	_, err := r.Select(2)
	mustErr(t, err, ErrInvalidIndex)
	_, err = r.Get(-1)
	mustErr(t, err, ErrInvalidIndex)
}

// Each operation is one reset per transaction: never zero, never two.
func TestController_resetsPerTransaction(t *testing.T) {
	c, sim := discovered(t, simDevices(1, 2)...)
	ops := []struct {
		name   string
		op     func() error
		resets int
	}{
		{"start", func() error { return c.StartConversion(0) }, 1},
		{"startAll", func() error { return c.StartConversion(Broadcast) }, 1},
		{"convert", func() error { return c.Convert(context.Background(), 1) }, 1},
		{"temperature", func() error { _, err := c.Temperature(0); return err }, 1},
		{"scratchpad", func() error { _, err := c.ReadScratchpad(1, 9); return err }, 1},
		{"save", func() error { return c.SaveConfig(0) }, 1},
		{"load", func() error { return c.LoadConfig(Broadcast) }, 1},
		{"parasitic", func() error { _, err := c.Parasitic(0); return err }, 1},
		// Write then read back.
		{"resolution", func() error { return c.SetResolution(0, Resolution10Bits) }, 2},
		{"resolutionAll", func() error { return c.SetResolution(Broadcast, Resolution10Bits) }, 3},
		{"alarm", func() error { return c.SetAlarm(1, 50, -10) }, 2},
	}
	for _, o := range ops {
		sim.Resets = 0
		if err := o.op(); err != nil {
			t.Fatalf("%s: %v", o.name, err)
		}
		if sim.Resets != o.resets {
			t.Errorf("%s: %d resets, want %d", o.name, sim.Resets, o.resets)
		}
	}
}

func TestController_invalidIndex(t *testing.T) {
	c, sim := discovered(t, simDevices(1)...)
	mustErr(t, c.StartConversion(1), ErrInvalidIndex)
	mustErr(t, c.Convert(context.Background(), 1), ErrInvalidIndex)
	mustErr(t, c.SetResolution(1, Resolution9Bits), ErrInvalidIndex)
	mustErr(t, c.SetAlarm(1, 0, 0), ErrInvalidIndex)
	mustErr(t, c.SaveConfig(64), ErrInvalidIndex)
	mustErr(t, c.LoadConfig(-1), ErrInvalidIndex)
	_, err := c.Temperature(2)
	mustErr(t, err, ErrInvalidIndex)
	_, err = c.Parasitic(254)
	mustErr(t, err, ErrInvalidIndex)
	if sim.Resets != 0 {
		t.Fatalf("%d resets reached the bus", sim.Resets)
	}
}

func TestTemperature(t *testing.T) {
	c, sim := discovered(t, simDevices(1)...)
	dev := sim.Devices[0]

	// Power-on reading, no conversion yet.
	mustTemp(t, c, 0, 85)

	dev.Temp = 0x0557
	if err := c.Convert(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	mustTemp(t, c, 0, 85.4375)

	// The same raw value at 9 bits.
	if err := c.SetResolution(0, Resolution9Bits); err != nil {
		t.Fatal(err)
	}
	if cfg := dev.Config(); cfg != 0x1f {
		t.Fatalf("config %#x", cfg)
	}
	if err := c.Convert(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	mustTemp(t, c, Broadcast, 85)

	dev.Temp = -55 << 4
	if err := c.Convert(context.Background(), Broadcast); err != nil {
		t.Fatal(err)
	}
	mustTemp(t, c, 0, -55)
}

func TestConvert_waitsForSlowest(t *testing.T) {
	c, _ := discovered(t, simDevices(1, 2)...)
	if err := c.SetResolution(0, Resolution9Bits); err != nil {
		t.Fatal(err)
	}
	if err := c.SetResolution(1, Resolution10Bits); err != nil {
		t.Fatal(err)
	}

	var waits []time.Duration
	old := after
	after = func(d time.Duration) <-chan time.Time {
		waits = append(waits, d)
		return old(d)
	}
	defer func() { after = old }()

	if err := c.Convert(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	if err := c.Convert(context.Background(), Broadcast); err != nil {
		t.Fatal(err)
	}
	want := []time.Duration{93750 * time.Microsecond, 187500 * time.Microsecond}
	if !reflect.DeepEqual(want, waits) {
		t.Fatalf("waited %v, want %v", waits, want)
	}
}

func TestConvert_canceled(t *testing.T) {
	c, _ := discovered(t, simDevices(1)...)
	old := after
	after = func(time.Duration) <-chan time.Time { return nil }
	defer func() { after = old }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	mustErr(t, c.Convert(ctx, 0), context.Canceled)
}

func TestSetResolution(t *testing.T) {
	c, sim := discovered(t, simDevices(1, 2)...)
	mustErr(t, c.SetResolution(0, 8), ErrResolution)

	if err := c.SetResolution(Broadcast, Resolution11Bits); err != nil {
		t.Fatal(err)
	}
	for i, d := range c.Registry().Devices() {
		if r := d.Resolution(); r != Resolution11Bits {
			t.Fatalf("%s cached %s", d, r)
		}
		sd := simOf(t, c, sim, i)
		if cfg := sd.Config(); cfg != 0x5f {
			t.Fatalf("%s config %#x", d, cfg)
		}
		// Alarm thresholds are overwritten.
		if sd.Scratchpad[2] != placeholderHigh || sd.Scratchpad[3] != placeholderLow {
			t.Fatalf("%s thresholds %#x %#x", d, sd.Scratchpad[2], sd.Scratchpad[3])
		}
	}
}

func TestSetResolution_corrupted(t *testing.T) {
	c, sim := discovered(t, simDevices(1, 2)...)
	simOf(t, c, sim, 1).StuckConfig = true
	mustErr(t, c.SetResolution(1, Resolution9Bits), ErrDataCorrupted)
	mustErr(t, c.SetResolution(Broadcast, Resolution9Bits), ErrDataCorrupted)
	if err := c.SetResolution(0, Resolution9Bits); err != nil {
		t.Fatal(err)
	}
}

func TestSetResolution_broadcastUnregistered(t *testing.T) {
	// A device answers on the bus but discovery never ran: nothing can be
	// read back, so nothing is written.
	c, sim := newSimController(t, simDevices(1)...)
	dev := sim.Devices[0]
	dev.StuckConfig = true
	mustErr(t, c.SetResolution(Broadcast, Resolution9Bits), ErrAddressing)
	if sim.Resets != 0 {
		t.Fatalf("%d resets reached the bus", sim.Resets)
	}
	if cfg := dev.Config(); cfg != 0x7f {
		t.Fatalf("config %#x", cfg)
	}
}

func TestReadScratchpad(t *testing.T) {
	c, _ := discovered(t, simDevices(1)...)
	_, err := c.ReadScratchpad(0, 0)
	mustErr(t, err, ErrLength)

	b, err := c.ReadScratchpad(0, 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != ScratchpadSize || !onewire.CheckCRC(b) {
		t.Fatalf("scratchpad %#v", b)
	}
	if want := []byte{0x50, 0x05, 0x4b, 0x46, 0x7f}; !bytes.Equal(want, b[:5]) {
		t.Fatalf("got %#v, want %#v", b[:5], want)
	}

	b, err = c.ReadScratchpad(Broadcast, 2)
	if err != nil {
		t.Fatal(err)
	}
	if want := []byte{0x50, 0x05}; !bytes.Equal(want, b) {
		t.Fatalf("got %#v, want %#v", b, want)
	}

	d, err := c.Registry().Get(0)
	if err != nil {
		t.Fatal(err)
	}
	spad := d.Scratchpad()
	if spad.AlarmHigh() != 0x4b || spad.AlarmLow() != 0x46 {
		t.Fatalf("cached thresholds %d %d", spad.AlarmHigh(), spad.AlarmLow())
	}
}

func TestReadScratchpad_broadcast(t *testing.T) {
	c, _ := discovered(t, simDevices(1, 2)...)
	_, err := c.ReadScratchpad(Broadcast, 9)
	mustErr(t, err, ErrAddressing)
	_, err = c.Temperature(Broadcast)
	mustErr(t, err, ErrAddressing)

	c, _ = discovered(t, simDevices(3)...)
	b, err := c.ReadScratchpad(Broadcast, 9)
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != 9 {
		t.Fatalf("%d bytes", len(b))
	}
}

func TestReadScratchpad_badCRC(t *testing.T) {
	c, sim := discovered(t, simDevices(1)...)
	sim.Devices[0].BadCRC = true
	_, err := c.ReadScratchpad(0, 9)
	mustErr(t, err, ErrDataCorrupted)
	var be onewire.BusError
	if !errors.As(err, &be) {
		t.Fatalf("%v is not a bus error", err)
	}
	// A partial read cannot be checked.
	if _, err = c.ReadScratchpad(0, 5); err != nil {
		t.Fatal(err)
	}
}

func TestReadScratchpad_noResponse(t *testing.T) {
	c, sim := discovered(t, simDevices(1)...)
	// Another device answers the reset but does not match.
	sim.Devices = simDevices(2)
	_, err := c.ReadScratchpad(0, 9)
	mustErr(t, err, ErrNoResponse)
	_, err = c.Temperature(0)
	mustErr(t, err, ErrNoResponse)
	// Too short to tell.
	b, err := c.ReadScratchpad(0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if want := []byte{0xff, 0xff}; !bytes.Equal(want, b) {
		t.Fatalf("got %#v", b)
	}

	sim.Devices = nil
	_, err = c.ReadScratchpad(0, 9)
	mustErr(t, err, owbus.ErrNoPresence)
}

func TestSaveLoadConfig(t *testing.T) {
	c, sim := discovered(t, simDevices(1)...)
	dev := sim.Devices[0]
	if err := c.SetAlarm(0, 30, -5); err != nil {
		t.Fatal(err)
	}
	if err := c.SaveConfig(0); err != nil {
		t.Fatal(err)
	}
	if want := [3]byte{30, 0xfb, 0x7f}; dev.EEPROM != want {
		t.Fatalf("EEPROM %#v, want %#v", dev.EEPROM, want)
	}

	if err := c.SetResolution(0, Resolution9Bits); err != nil {
		t.Fatal(err)
	}
	if err := c.LoadConfig(0); err != nil {
		t.Fatal(err)
	}
	b, err := c.ReadScratchpad(0, 9)
	if err != nil {
		t.Fatal(err)
	}
	if want := []byte{30, 0xfb, 0x7f}; !bytes.Equal(want, b[2:5]) {
		t.Fatalf("recalled %#v, want %#v", b[2:5], want)
	}
	d, err := c.Registry().Get(0)
	if err != nil {
		t.Fatal(err)
	}
	if r := d.Resolution(); r != Resolution12Bits {
		t.Fatalf("cached %s", r)
	}
}

func TestSetAlarm(t *testing.T) {
	c, sim := discovered(t, simDevices(1)...)
	mustErr(t, c.SetAlarm(Broadcast, 10, 0), ErrAddressing)
	if err := c.SetResolution(0, Resolution10Bits); err != nil {
		t.Fatal(err)
	}
	if err := c.SetAlarm(0, 10, -20); err != nil {
		t.Fatal(err)
	}
	// The resolution is kept.
	if cfg := sim.Devices[0].Config(); cfg != 0x3f {
		t.Fatalf("config %#x", cfg)
	}

	sim.Devices[0].StuckConfig = true
	if err := c.SetAlarm(0, 11, -21); err != nil {
		t.Fatal(err)
	}
	if err := c.SetResolution(0, Resolution10Bits); err != nil {
		t.Fatal(err)
	}
}

func TestAlarmSearch(t *testing.T) {
	c, sim := discovered(t, simDevices(1, 2, 3)...)
	for i := 0; i < 3; i++ {
		if err := c.SetAlarm(i, 80, 0); err != nil {
			t.Fatal(err)
		}
	}
	simOf(t, c, sim, 0).Temp = 20 << 4
	simOf(t, c, sim, 1).Temp = 90 << 4
	simOf(t, c, sim, 2).Temp = -5 << 4

	// The power-on reading of 85 is above the threshold.
	got, err := c.AlarmSearch()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("alarms %v", got)
	}

	if err := c.Convert(context.Background(), Broadcast); err != nil {
		t.Fatal(err)
	}
	if got, err = c.AlarmSearch(); err != nil {
		t.Fatal(err)
	}
	sort.Ints(got)
	if want := []int{1, 2}; !reflect.DeepEqual(want, got) {
		t.Fatalf("alarms %v, want %v", got, want)
	}

	simOf(t, c, sim, 1).Temp = 20 << 4
	simOf(t, c, sim, 2).Temp = 20 << 4
	if err := c.Convert(context.Background(), Broadcast); err != nil {
		t.Fatal(err)
	}
	if got, err = c.AlarmSearch(); err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("alarms %v", got)
	}
}

func TestParasitic(t *testing.T) {
	c, sim := discovered(t, simDevices(1, 2)...)
	simOf(t, c, sim, 1).Parasitic = true
	for _, line := range []struct {
		i    int
		want bool
	}{
		{0, false},
		{1, true},
		{Broadcast, true},
	} {
		p, err := c.Parasitic(line.i)
		if err != nil {
			t.Fatal(err)
		}
		if p != line.want {
			t.Errorf("Parasitic(%d) = %t", line.i, p)
		}
	}
}
