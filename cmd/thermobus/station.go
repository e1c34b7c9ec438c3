// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/golang/glog"

	"github.com/GermanBionicSystems/thermobus/ds18b20"
	"github.com/GermanBionicSystems/thermobus/panel"
	"github.com/GermanBionicSystems/thermobus/readout"
	"github.com/GermanBionicSystems/thermobus/telemetry"
)

// station ties the sensors of a bus to the outputs readings go to. Every
// output is optional.
type station struct {
	ctrl     *ds18b20.Controller
	strip    *readout.Dev
	panel    *panel.Panel
	reporter *telemetry.Reporter
	cfg      config
	now      func() time.Time
}

// reading is the result of one sensor.
type reading struct {
	index   int
	celsius float64
	err     error
}

// sample converts every sensor at once and reads them one by one. A failing
// sensor does not prevent reading the others.
func (s *station) sample(ctx context.Context) ([]reading, error) {
	n := s.ctrl.Registry().Count()
	if n == 0 {
		return nil, nil
	}
	if err := s.ctrl.Convert(ctx, ds18b20.Broadcast); err != nil {
		return nil, fmt.Errorf("convert: %w", err)
	}
	out := make([]reading, n)
	for i := range out {
		c, err := s.ctrl.Temperature(i)
		out[i] = reading{index: i, celsius: c, err: err}
		if err != nil {
			glog.Warningf("sensor %d: %v", i, err)
		}
	}
	return out, nil
}

// publish sends readings to every configured output.
func (s *station) publish(readings []reading) error {
	devs := s.ctrl.Registry().Devices()
	if s.strip != nil {
		c := make([]float64, len(readings))
		for i, r := range readings {
			c[i] = r.celsius
			if r.err != nil {
				c[i] = math.NaN()
			}
		}
		if err := s.strip.Show(c); err != nil {
			return err
		}
	}
	if s.panel != nil && s.cfg.PNG != "" {
		rows := make([]panel.Reading, len(readings))
		for i, r := range readings {
			rows[i] = panel.Reading{Label: strconv.Itoa(r.index), Celsius: r.celsius, Err: r.err}
		}
		if err := s.panel.SavePNG(s.cfg.PNG, s.cfg.PanelWidth, s.cfg.PanelHeight, rows); err != nil {
			return fmt.Errorf("panel: %w", err)
		}
	}
	if s.reporter != nil {
		now := s.now()
		for _, r := range readings {
			smp := telemetry.Sample{Index: r.index, Addr: devs[r.index].Addr(), Time: now}
			if r.err != nil {
				smp.Error = r.err.Error()
			} else {
				c := r.celsius
				smp.Celsius = &c
			}
			if err := s.reporter.Report(smp); err != nil {
				// The broker being away must not stop the sampling.
				glog.Warningf("telemetry: %v", err)
			}
		}
	}
	return nil
}

// watch samples every interval until ctx is done.
func (s *station) watch(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		readings, err := s.sample(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			glog.Errorf("sample: %v", err)
		} else if err := s.publish(readings); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// configure applies the configured resolution to every sensor that is not
// already using it.
func (s *station) configure() error {
	for i, d := range s.ctrl.Registry().Devices() {
		if _, err := s.ctrl.ReadScratchpad(i, ds18b20.ScratchpadSize); err != nil {
			return fmt.Errorf("sensor %d: %w", i, err)
		}
		if d.Resolution() == s.cfg.Resolution {
			continue
		}
		glog.Infof("sensor %d: %s -> %s", i, d.Resolution(), s.cfg.Resolution)
		if err := s.ctrl.SetResolution(i, s.cfg.Resolution); err != nil {
			return fmt.Errorf("sensor %d: %w", i, err)
		}
	}
	return nil
}
