// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/abiosoft/ishell"

	"github.com/GermanBionicSystems/thermobus/ds18b20"
)

const stationKey = "$station"

func newShell(s *station) *ishell.Shell {
	sh := ishell.New()
	sh.Set(stationKey, s)
	sh.SetPrompt("thermobus > ")
	for _, cmd := range commands {
		sh.AddCmd(cmd)
	}
	return sh
}

func stationFrom(c *ishell.Context) *station {
	return c.Get(stationKey).(*station)
}

// parseIndex parses a device index; "all" is Broadcast.
func parseIndex(s string) (int, error) {
	if s == "all" || s == "*" {
		return ds18b20.Broadcast, nil
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid INDEX %q", s)
	}
	return i, nil
}

// indexArg returns the index given as argument n, Broadcast if absent.
func indexArg(c *ishell.Context, n int) (int, error) {
	if len(c.Args) <= n {
		return ds18b20.Broadcast, nil
	}
	return parseIndex(c.Args[n])
}

// withIndex wraps a command taking an INDEX as first argument.
func withIndex(fn func(c *ishell.Context, s *station, i int) error) func(c *ishell.Context) {
	return func(c *ishell.Context) {
		i, err := indexArg(c, 0)
		if err == nil {
			err = fn(c, stationFrom(c), i)
		}
		if err != nil {
			c.Err(err)
		}
	}
}

var (
	discoverCmd = ishell.Cmd{
		Name: "discover",
		Help: "search the bus for sensors",
		Func: func(c *ishell.Context) {
			s := stationFrom(c)
			n, err := s.ctrl.Discover()
			if err != nil {
				c.Err(err)
			}
			c.Printf("%d sensor(s)\n", n)
			listSensors(c, s)
		},
	}

	listCmd = ishell.Cmd{
		Name:    "list",
		Aliases: []string{"l"},
		Help:    "list the sensors found by the last discover",
		Func: func(c *ishell.Context) {
			listSensors(c, stationFrom(c))
		},
	}

	resolutionCmd = ishell.Cmd{
		Name: "resolution",
		Help: "INDEX BITS, overwrites the alarm thresholds",
		Func: func(c *ishell.Context) {
			if len(c.Args) < 2 {
				c.Err(errors.New("INDEX and BITS required"))
				return
			}
			i, err := parseIndex(c.Args[0])
			if err != nil {
				c.Err(err)
				return
			}
			bits, err := strconv.Atoi(c.Args[1])
			if err != nil {
				c.Err(fmt.Errorf("invalid BITS: %v", err))
				return
			}
			if err := stationFrom(c).ctrl.SetResolution(i, ds18b20.Resolution(bits)); err != nil {
				c.Err(err)
				return
			}
			c.Println("OK")
		},
	}

	convertCmd = ishell.Cmd{
		Name: "convert",
		Help: "[INDEX], start a conversion and wait for it",
		Func: withIndex(func(c *ishell.Context, s *station, i int) error {
			return s.ctrl.Convert(context.Background(), i)
		}),
	}

	tempCmd = ishell.Cmd{
		Name:    "temp",
		Aliases: []string{"t"},
		Help:    "[INDEX], read the last conversion; every sensor if INDEX is omitted",
		Func: func(c *ishell.Context) {
			s := stationFrom(c)
			if len(c.Args) == 0 {
				for i := 0; i < s.ctrl.Registry().Count(); i++ {
					printTemp(c, s, i)
				}
				return
			}
			i, err := parseIndex(c.Args[0])
			if err != nil {
				c.Err(err)
				return
			}
			printTemp(c, s, i)
		},
	}

	saveCmd = ishell.Cmd{
		Name: "save",
		Help: "[INDEX], copy thresholds and resolution to EEPROM",
		Func: withIndex(func(c *ishell.Context, s *station, i int) error {
			return s.ctrl.SaveConfig(i)
		}),
	}

	loadCmd = ishell.Cmd{
		Name: "load",
		Help: "[INDEX], recall thresholds and resolution from EEPROM",
		Func: withIndex(func(c *ishell.Context, s *station, i int) error {
			return s.ctrl.LoadConfig(i)
		}),
	}

	spadCmd = ishell.Cmd{
		Name: "spad",
		Help: "INDEX [LENGTH], dump the scratchpad",
		Func: withIndex(func(c *ishell.Context, s *station, i int) error {
			n := ds18b20.ScratchpadSize
			if len(c.Args) > 1 {
				var err error
				if n, err = strconv.Atoi(c.Args[1]); err != nil {
					return fmt.Errorf("invalid LENGTH: %v", err)
				}
			}
			b, err := s.ctrl.ReadScratchpad(i, n)
			if err != nil {
				return err
			}
			c.Printf("% x\n", b)
			return nil
		}),
	}

	alarmCmd = ishell.Cmd{
		Name: "alarm",
		Help: "INDEX HIGH LOW, set the alarm thresholds in °C; alone, list sensors in alarm",
		Func: func(c *ishell.Context) {
			s := stationFrom(c)
			if len(c.Args) == 0 {
				idx, err := s.ctrl.AlarmSearch()
				if err != nil {
					c.Err(err)
					return
				}
				c.Println(idx)
				return
			}
			if len(c.Args) < 3 {
				c.Err(errors.New("INDEX HIGH LOW required"))
				return
			}
			i, err := parseIndex(c.Args[0])
			if err != nil {
				c.Err(err)
				return
			}
			var th [2]int8
			for n, a := range c.Args[1:3] {
				v, err := strconv.ParseInt(a, 10, 8)
				if err != nil {
					c.Err(fmt.Errorf("invalid threshold %q", a))
					return
				}
				th[n] = int8(v)
			}
			if err := s.ctrl.SetAlarm(i, th[0], th[1]); err != nil {
				c.Err(err)
				return
			}
			c.Println("OK")
		},
	}

	parasiticCmd = ishell.Cmd{
		Name: "parasitic",
		Help: "[INDEX], report whether parasite power is used",
		Func: withIndex(func(c *ishell.Context, s *station, i int) error {
			p, err := s.ctrl.Parasitic(i)
			if err != nil {
				return err
			}
			c.Println(p)
			return nil
		}),
	}

	commands = []*ishell.Cmd{
		&discoverCmd,
		&listCmd,
		&resolutionCmd,
		&convertCmd,
		&tempCmd,
		&saveCmd,
		&loadCmd,
		&spadCmd,
		&alarmCmd,
		&parasiticCmd,
	}
)

func listSensors(c *ishell.Context, s *station) {
	for i, d := range s.ctrl.Registry().Devices() {
		c.Printf("%2d %016x %s\n", i, uint64(d.Addr()), d.Resolution())
	}
}

func printTemp(c *ishell.Context, s *station, i int) {
	v, err := s.ctrl.Temperature(i)
	if err != nil {
		c.Printf("%2d error: %v\n", i, err)
		return
	}
	c.Printf("%2d %.4f°C\n", i, v)
}
