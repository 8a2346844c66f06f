// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// espflash - ESP ROM Bootloader Flasher
//
// A CLI tool for identifying ESP8266/ESP32 chips and writing firmware
// through their ROM serial bootloader, over a serial port or a WebSocket
// serial bridge.

package main

import (
	"os"

	"github.com/Thermoquad/espflash/cmd"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Error().Err(err).Msg("espflash failed")
		os.Exit(1)
	}
}
