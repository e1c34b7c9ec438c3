// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// thermobus reads DS18B20 thermometers on a 1-wire bus driven by a serial
// port.
//
// Without arguments it opens an interactive shell; with arguments it runs
// them as one shell command. With -watch it samples every sensor
// periodically and sends the readings to the console, to a PNG panel and to
// an MQTT broker, as configured.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/golang/glog"
	"periph.io/x/host/v3"

	"github.com/GermanBionicSystems/thermobus/ds18b20"
	"github.com/GermanBionicSystems/thermobus/owbus"
	"github.com/GermanBionicSystems/thermobus/owserial"
	"github.com/GermanBionicSystems/thermobus/panel"
	"github.com/GermanBionicSystems/thermobus/readout"
	"github.com/GermanBionicSystems/thermobus/telemetry"
)

func mainImpl() error {
	configPath := flag.String("config", "", "TOML configuration file")
	port := flag.String("port", "", "serial port wired to the bus, overrides the configuration")
	watch := flag.Bool("watch", false, "sample the sensors periodically")
	interval := flag.Duration("interval", 0, "sampling period, overrides the configuration")
	flag.Parse()
	defer glog.Flush()

	cfg := defaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = loadConfig(*configPath); err != nil {
			return err
		}
	}
	if *port != "" {
		cfg.Port = *port
	}
	if *interval != 0 {
		cfg.Interval = *interval
	}

	if _, err := host.Init(); err != nil {
		return err
	}
	p, err := owserial.Open(cfg.Port, &cfg.Serial)
	if err != nil {
		return err
	}
	defer p.Close()
	bus, err := owbus.New(p, &cfg.Bus)
	if err != nil {
		return err
	}

	s := &station{ctrl: ds18b20.NewController(bus), cfg: cfg, now: time.Now}
	n, err := s.ctrl.Discover()
	if err != nil {
		return fmt.Errorf("discover: %w", err)
	}
	glog.Infof("%s: %d sensor(s)", bus, n)

	if !*watch {
		sh := newShell(s)
		if args := flag.Args(); len(args) > 0 {
			return sh.Process(args...)
		}
		sh.Run()
		return nil
	}

	if n == 0 {
		return fmt.Errorf("no sensor on %s", cfg.Port)
	}
	if err := s.configure(); err != nil {
		return err
	}
	if s.strip, err = readout.New(&readout.Opts{N: n, Cold: cfg.Cold, Hot: cfg.Hot}); err != nil {
		return err
	}
	defer s.strip.Halt()
	if cfg.PNG != "" {
		if s.panel, err = panel.New(&panel.Opts{Cold: cfg.Cold, Hot: cfg.Hot, MaxFontSize: panel.DefaultOpts.MaxFontSize}); err != nil {
			return err
		}
	}
	if cfg.MQTT != "" {
		if s.reporter, err = telemetry.Dial(cfg.MQTT, nil); err != nil {
			return err
		}
		defer s.reporter.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return s.watch(ctx, cfg.Interval)
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "thermobus: %s.\n", err)
		glog.Flush()
		os.Exit(1)
	}
}
