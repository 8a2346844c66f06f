// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package esprom

import (
	"fmt"
	"time"
)

// Statistics tracks link health for one client.
type Statistics struct {
	StartTime time.Time

	// Counters
	FramesSent     uint64
	FramesReceived uint64
	FramingErrors  uint64
	StaleFrames    uint64 // responses to a different command
	Timeouts       uint64
	Retries        uint64
	DeviceErrors   uint64
	BytesWritten   uint64
}

// NewStatistics creates a new statistics tracker
func NewStatistics() Statistics {
	return Statistics{StartTime: time.Now()}
}

// Throughput returns acknowledged flash bytes per second since StartTime.
func (s Statistics) Throughput() float64 {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.BytesWritten) / elapsed
}

// ErrorRate returns the fraction of received frames that failed to decode.
func (s Statistics) ErrorRate() float64 {
	total := s.FramesReceived + s.FramingErrors
	if total == 0 {
		return 0
	}
	return float64(s.FramingErrors) / float64(total)
}

// String formats the statistics summary
func (s Statistics) String() string {
	return fmt.Sprintf(
		"frames: %d sent, %d received | framing errors: %d (%.2f%%) | stale: %d | timeouts: %d | retries: %d | device errors: %d | written: %d bytes (%.1f KiB/s)",
		s.FramesSent, s.FramesReceived,
		s.FramingErrors, s.ErrorRate()*100,
		s.StaleFrames, s.Timeouts, s.Retries, s.DeviceErrors,
		s.BytesWritten, s.Throughput()/1024,
	)
}
