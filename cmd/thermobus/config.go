// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/GermanBionicSystems/thermobus/ds18b20"
	"github.com/GermanBionicSystems/thermobus/owbus"
	"github.com/GermanBionicSystems/thermobus/owserial"
)

type config struct {
	Port        string
	Serial      owserial.Opts
	Bus         owbus.Opts
	Resolution  ds18b20.Resolution
	Interval    time.Duration
	Cold, Hot   float64
	MQTT        string
	PNG         string
	PanelWidth  int
	PanelHeight int
}

func defaultConfig() config {
	return config{
		Port:        "/dev/ttyUSB0",
		Serial:      owserial.DefaultOpts,
		Bus:         owbus.DefaultOpts,
		Resolution:  ds18b20.Resolution12Bits,
		Interval:    10 * time.Second,
		Cold:        0,
		Hot:         40,
		PanelWidth:  128,
		PanelHeight: 64,
	}
}

type fileConfig struct {
	Port        string  `toml:"port"`
	ResetBaud   int     `toml:"reset_baud"`
	DataBaud    int     `toml:"data_baud"`
	EchoTimeout string  `toml:"echo_timeout"`
	ReadTimeout string  `toml:"read_timeout"`
	Resolution  int     `toml:"resolution"`
	Interval    string  `toml:"interval"`
	Cold        float64 `toml:"cold"`
	Hot         float64 `toml:"hot"`
	MQTT        string  `toml:"mqtt"`
	PNG         string  `toml:"png"`
	PanelWidth  int     `toml:"panel_width"`
	PanelHeight int     `toml:"panel_height"`
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) != 0 {
		return config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("port") {
		cfg.Port = strings.TrimSpace(raw.Port)
	}
	if meta.IsDefined("reset_baud") {
		cfg.Serial.ResetBaud = raw.ResetBaud
	}
	if meta.IsDefined("data_baud") {
		cfg.Serial.DataBaud = raw.DataBaud
	}
	if meta.IsDefined("echo_timeout") {
		if cfg.Serial.EchoTimeout, err = parseDuration("echo_timeout", raw.EchoTimeout); err != nil {
			return config{}, err
		}
	}
	if meta.IsDefined("read_timeout") {
		if cfg.Bus.ReadTimeout, err = parseDuration("read_timeout", raw.ReadTimeout); err != nil {
			return config{}, err
		}
	}
	if meta.IsDefined("resolution") {
		cfg.Resolution = ds18b20.Resolution(raw.Resolution)
		if !cfg.Resolution.Valid() {
			return config{}, fmt.Errorf("parse resolution: %d bits is not within 9..12", raw.Resolution)
		}
	}
	if meta.IsDefined("interval") {
		if cfg.Interval, err = parseDuration("interval", raw.Interval); err != nil {
			return config{}, err
		}
	}
	if meta.IsDefined("cold") {
		cfg.Cold = raw.Cold
	}
	if meta.IsDefined("hot") {
		cfg.Hot = raw.Hot
	}
	if meta.IsDefined("mqtt") {
		cfg.MQTT = strings.TrimSpace(raw.MQTT)
	}
	if meta.IsDefined("png") {
		cfg.PNG = strings.TrimSpace(raw.PNG)
	}
	if meta.IsDefined("panel_width") {
		cfg.PanelWidth = raw.PanelWidth
	}
	if meta.IsDefined("panel_height") {
		cfg.PanelHeight = raw.PanelHeight
	}
	return cfg, nil
}

func parseDuration(key, s string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}
