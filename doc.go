// Copyright 2021 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package thermobus is a container for a 1-wire bus master and the DS18B20
// thermometers it reads.
//
// owserial drives the bus line with a UART, owbus turns it into a periph
// onewire.BusSearcher, and ds18b20 discovers and addresses the sensors. The
// thermobus command ties them to a console, a PNG panel and MQTT.
package thermobus
