// Copyright 2021 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package panel renders temperature readings as an image, one row per sensor,
// and shows it on any periph display.Drawer such as an SSD1306 OLED.
//
// Rows are drawn with the Go font when they are tall enough for it and with a
// 7x13 bitmap font otherwise.
package panel

import (
	"errors"
	"image"
	"math"
	"strconv"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/gofont/goregular"
	"periph.io/x/conn/v3/display"
)

// Reading is one row of the panel.
type Reading struct {
	Label   string
	Celsius float64
	// Err marks a failed reading; Celsius is ignored.
	Err error
}

// Opts represents the options available for the panel.
type Opts struct {
	// Cold and Hot bound the bar drawn behind each row, in °C.
	Cold, Hot float64
	// MaxFontSize caps the size of the Go font, in points.
	MaxFontSize float64
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	Cold:        0,
	Hot:         40,
	MaxFontSize: 24,
}

// Panel lays out readings on an image.
type Panel struct {
	opts Opts
	font *truetype.Font
}

// New returns a Panel.
func New(opts *Opts) (*Panel, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	if opts.Hot <= opts.Cold {
		return nil, errors.New("panel: Hot must be above Cold")
	}
	f, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return nil, err
	}
	return &Panel{opts: *opts, font: f}, nil
}

// Render draws readings on an image of size w x h: white text on black,
// with a gray bar proportional to the temperature behind each row.
func (p *Panel) Render(w, h int, readings []Reading) image.Image {
	dc := gg.NewContext(w, h)
	dc.SetRGB(0, 0, 0)
	dc.Clear()
	if len(readings) == 0 {
		return dc.Image()
	}
	rowH := float64(h) / float64(len(readings))
	face := p.face(rowH)
	dc.SetFontFace(face)
	for i, r := range readings {
		top := rowH * float64(i)
		if r.Err == nil && !math.IsNaN(r.Celsius) {
			f := (r.Celsius - p.opts.Cold) / (p.opts.Hot - p.opts.Cold)
			f = math.Max(0, math.Min(1, f))
			dc.SetRGB(0.4, 0.4, 0.4)
			dc.DrawRectangle(0, top+1, f*float64(w), rowH-2)
			dc.Fill()
		}
		dc.SetRGB(1, 1, 1)
		mid := top + rowH/2
		dc.DrawStringAnchored(r.Label, 2, mid, 0, 0.35)
		dc.DrawStringAnchored(value(r), float64(w)-2, mid, 1, 0.35)
	}
	return dc.Image()
}

// Show renders readings at the size of dst and draws them on it.
func (p *Panel) Show(dst display.Drawer, readings []Reading) error {
	b := dst.Bounds()
	img := p.Render(b.Dx(), b.Dy(), readings)
	return dst.Draw(b, img, image.Point{})
}

// SavePNG renders readings at size w x h into a PNG file.
func (p *Panel) SavePNG(path string, w, h int, readings []Reading) error {
	return gg.SavePNG(path, p.Render(w, h, readings))
}

// face returns the font used for rows of height rowH.
func (p *Panel) face(rowH float64) font.Face {
	size := rowH * 0.7
	if size < 12 {
		return basicfont.Face7x13
	}
	if size > p.opts.MaxFontSize && p.opts.MaxFontSize > 0 {
		size = p.opts.MaxFontSize
	}
	return truetype.NewFace(p.font, &truetype.Options{Size: size})
}

func value(r Reading) string {
	if r.Err != nil || math.IsNaN(r.Celsius) {
		return "--.-"
	}
	return strconv.FormatFloat(r.Celsius, 'f', 1, 64) + "°C"
}
