// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package owserial drives a 1-wire bus with a UART, as described in Maxim
// application note 214.
//
// TX and RX are tied together on the bus line in open-drain half-duplex mode.
// Every time slot is one character: the UART produces the low pulse with the
// start bit and the devices pull the following data bits low to answer, so
// each character sent comes back modified by the bus. The reset pulse is a
// character sent at 9600 baud, every other slot runs at 115200 baud.
package owserial

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/tarm/serial"

	"github.com/GermanBionicSystems/thermobus/owbus"
)

// Opts contains options to pass to the constructor.
type Opts struct {
	ResetBaud int // baud rate of the reset pulse
	DataBaud  int // baud rate of the read and write slots
	// EchoTimeout bounds the wait for the echo of a previous slot that was
	// not collected before the next one is sent.
	EchoTimeout time.Duration
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	ResetBaud:   9600,
	DataBaud:    115200,
	EchoTimeout: 5 * time.Millisecond,
}

// Opener opens the serial line at the requested baud rate.
type Opener func(baud int) (io.ReadWriteCloser, error)

// Open returns a Port on the named serial device, e.g. "/dev/ttyUSB0".
func Open(name string, opts *Opts) (*Port, error) {
	return New(name, func(baud int) (io.ReadWriteCloser, error) {
		return serial.OpenPort(&serial.Config{
			Name:        name,
			Baud:        baud,
			ReadTimeout: pollTimeout,
			Size:        serial.DefaultSize,
			Parity:      serial.ParityNone,
			StopBits:    serial.Stop1,
		})
	}, opts)
}

// New returns a Port using open to (re)open the line whenever the baud rate
// changes. The line is opened at the data rate.
func New(name string, open Opener, opts *Opts) (*Port, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	if opts.ResetBaud <= 0 || opts.DataBaud <= 0 {
		return nil, errors.New("owserial: invalid baud rate")
	}
	p := &Port{name: name, open: open, opts: *opts}
	if err := p.connect(owbus.RateData); err != nil {
		return nil, err
	}
	return p, nil
}

// Port is a UART wired as a 1-wire bus. It implements owbus.Transport.
//
// Received characters are handed over by a reader goroutine through a single
// slot channel, so Recv waits with a bound and never polls.
type Port struct {
	name string
	open Opener
	opts Opts

	rate    owbus.Rate
	rw      io.ReadWriteCloser
	rx      chan byte
	done    chan struct{}
	wg      sync.WaitGroup
	pending bool // a slot was sent and its echo not collected yet
}

func (p *Port) String() string {
	return fmt.Sprintf("owserial{%s}", p.name)
}

// Halt implements conn.Resource.
func (p *Port) Halt() error {
	return nil
}

// Close stops the reader and closes the serial line.
func (p *Port) Close() error {
	return p.disconnect()
}

// SetRate implements owbus.Transport by reopening the line at the baud rate
// matching r.
func (p *Port) SetRate(r owbus.Rate) error {
	if p.rw != nil && p.rate == r {
		return nil
	}
	if err := p.disconnect(); err != nil {
		return err
	}
	return p.connect(r)
}

// Send implements owbus.Transport.
func (p *Port) Send(unit byte) error {
	if p.rw == nil {
		return errors.New("owserial: port closed")
	}
	if p.pending {
		select {
		case <-p.rx:
		case <-time.After(p.opts.EchoTimeout):
		}
	}
	// Drop whatever else is stale.
	for drained := false; !drained; {
		select {
		case <-p.rx:
		default:
			drained = true
		}
	}
	if glog.V(3) {
		glog.Infof("owserial: %s tx %#02x", p.rate, unit)
	}
	if _, err := p.rw.Write([]byte{unit}); err != nil {
		return fmt.Errorf("owserial: write: %w", err)
	}
	p.pending = true
	return nil
}

// Recv implements owbus.Transport.
func (p *Port) Recv(timeout time.Duration) (byte, error) {
	if p.rw == nil {
		return 0, errors.New("owserial: port closed")
	}
	select {
	case v := <-p.rx:
		p.pending = false
		if glog.V(3) {
			glog.Infof("owserial: %s rx %#02x", p.rate, v)
		}
		return v, nil
	case <-time.After(timeout):
		p.pending = false
		return 0, owbus.ErrTimeout
	}
}

func (p *Port) connect(r owbus.Rate) error {
	baud := p.opts.DataBaud
	if r == owbus.RateReset {
		baud = p.opts.ResetBaud
	}
	rw, err := p.open(baud)
	if err != nil {
		return fmt.Errorf("owserial: error while opening %s at %d baud: %w", p.name, baud, err)
	}
	p.rw = rw
	p.rate = r
	p.rx = make(chan byte, 1)
	p.done = make(chan struct{})
	p.pending = false
	p.wg.Add(1)
	go p.read(rw, p.rx, p.done)
	return nil
}

func (p *Port) disconnect() error {
	if p.rw == nil {
		return nil
	}
	close(p.done)
	err := p.rw.Close()
	p.wg.Wait()
	p.rw = nil
	return err
}

// read forwards received characters to rx until done is closed.
func (p *Port) read(r io.Reader, rx chan<- byte, done <-chan struct{}) {
	defer p.wg.Done()
	var buf [1]byte
	for {
		n, err := r.Read(buf[:])
		if n > 0 {
			select {
			case rx <- buf[0]:
			case <-done:
				return
			}
		}
		select {
		case <-done:
			return
		default:
		}
		// The serial driver reports its read timeout as io.EOF.
		if err != nil && err != io.EOF {
			glog.Warningf("owserial: %s: read: %v", p.name, err)
			return
		}
	}
}

// pollTimeout lets the reader goroutine notice a close.
const pollTimeout = 100 * time.Millisecond

var _ owbus.Transport = &Port{}
