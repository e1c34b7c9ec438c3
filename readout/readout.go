// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package readout shows temperature readings on the terminal as a strip of
// colored blocks, one per sensor, using ANSI color codes.
//
// Dev also implements a 1D display.Drawer so any image can be shown on the
// strip.
package readout

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"strconv"

	"github.com/maruel/ansi256"
	"github.com/mattn/go-colorable"
	"periph.io/x/conn/v3/display"
)

// Opts represents the options available for this display.
type Opts struct {
	// N is the number of sensors shown.
	N int
	// Cold and Hot bound the color scale, in °C.
	Cold, Hot float64
	Palette   *ansi256.Palette
	// W is where the strip is written. It defaults to a colorable stdout.
	W io.Writer

	_ struct{}
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	N:    1,
	Cold: 0,
	Hot:  40,
}

// Dev is a strip of colored blocks on the console.
type Dev struct {
	w         io.Writer
	l         int
	cold, hot float64
	palette   ansi256.Palette

	pixels []byte
	labels []string
	buf    bytes.Buffer
}

// New returns a Dev that displays at the console.
func New(opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	if opts.N <= 0 {
		return nil, errors.New("readout: N must be positive")
	}
	if opts.Hot <= opts.Cold {
		return nil, errors.New("readout: Hot must be above Cold")
	}
	p := opts.Palette
	if p == nil {
		p = ansi256.Default
	}
	w := opts.W
	if w == nil {
		w = colorable.NewColorableStdout()
	}
	return &Dev{
		w:       w,
		l:       opts.N,
		cold:    opts.Cold,
		hot:     opts.Hot,
		palette: *p,
		pixels:  make([]byte, 3*opts.N),
	}, nil
}

func (d *Dev) String() string {
	return "readout{" + strconv.Itoa(d.l) + "}"
}

// Halt implements conn.Resource.
//
// It resets the terminal colors so the console is not corrupted.
func (d *Dev) Halt() error {
	_, err := d.w.Write([]byte("\n\033[0m"))
	return err
}

// Show displays one reading per sensor, in °C. A NaN reading is a failed one
// and shows as a gray block.
func (d *Dev) Show(celsius []float64) error {
	if len(celsius) > d.l {
		return fmt.Errorf("readout: %d readings for %d sensors", len(celsius), d.l)
	}
	d.labels = d.labels[:0]
	for i, c := range celsius {
		h := d.Heat(c)
		d.pixels[3*i] = h.R
		d.pixels[3*i+1] = h.G
		d.pixels[3*i+2] = h.B
		if math.IsNaN(c) {
			d.labels = append(d.labels, "--.-")
		} else {
			d.labels = append(d.labels, strconv.FormatFloat(c, 'f', 1, 64))
		}
	}
	_, err := d.refresh()
	return err
}

// Heat returns the color of a reading: blue at Cold, green halfway and red at
// Hot.
func (d *Dev) Heat(c float64) color.NRGBA {
	if math.IsNaN(c) {
		return color.NRGBA{0x60, 0x60, 0x60, 255}
	}
	f := (c - d.cold) / (d.hot - d.cold)
	if f < 0 {
		f = 0
	} else if f > 1 {
		f = 1
	}
	if f < 0.5 {
		g := byte(255 * 2 * f)
		return color.NRGBA{0, g, 255 - g, 255}
	}
	r := byte(255 * 2 * (f - 0.5))
	return color.NRGBA{r, 255 - r, 0, 255}
}

// Write accepts a stream of raw RGB pixels and writes it to the console.
func (d *Dev) Write(pixels []byte) (int, error) {
	if len(pixels)%3 != 0 {
		return 0, errors.New("readout: invalid RGB stream length")
	}
	d.labels = d.labels[:0]
	copy(d.pixels, pixels)
	return d.refresh()
}

// ColorModel implements display.Drawer.
func (d *Dev) ColorModel() color.Model {
	return color.NRGBAModel
}

// Bounds implements display.Drawer.
func (d *Dev) Bounds() image.Rectangle {
	return image.Rectangle{Max: image.Point{X: d.l, Y: 1}}
}

// Draw implements display.Drawer.
func (d *Dev) Draw(r image.Rectangle, src image.Image, sp image.Point) error {
	r = r.Intersect(d.Bounds())
	srcR := src.Bounds()
	srcR.Min = srcR.Min.Add(sp)
	if dX := r.Dx(); dX < srcR.Dx() {
		srcR.Max.X = srcR.Min.X + dX
	}
	if dY := r.Dy(); dY < srcR.Dy() {
		srcR.Max.Y = srcR.Min.Y + dY
	}
	deltaX3 := 3 * (r.Min.X - srcR.Min.X)
	for sX := srcR.Min.X; sX < srcR.Max.X; sX++ {
		r16, g16, b16, _ := src.At(sX, srcR.Min.Y).RGBA()
		dX3 := 3*sX + deltaX3
		d.pixels[dX3] = byte(r16 >> 8)
		d.pixels[dX3+1] = byte(g16 >> 8)
		d.pixels[dX3+2] = byte(b16 >> 8)
	}
	d.labels = d.labels[:0]
	_, err := d.refresh()
	return err
}

func (d *Dev) refresh() (int, error) {
	d.buf.Reset()
	_, _ = d.buf.WriteString("\r\033[0m")
	for i := 0; i < len(d.pixels)/3; i++ {
		c := color.NRGBA{d.pixels[3*i], d.pixels[3*i+1], d.pixels[3*i+2], 255}
		_, _ = io.WriteString(&d.buf, d.palette.Block(c))
	}
	_, _ = d.buf.WriteString("\033[0m ")
	for i, l := range d.labels {
		if i != 0 {
			_ = d.buf.WriteByte(' ')
		}
		_, _ = d.buf.WriteString(l)
	}
	_, err := d.buf.WriteTo(d.w)
	return len(d.pixels), err
}

var _ display.Drawer = &Dev{}
var _ fmt.Stringer = &Dev{}
