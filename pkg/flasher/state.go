// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package flasher

import "fmt"

// State is the session state of a Flasher.
type State int

// Session states
const (
	StateDisconnected State = iota
	StateConnecting
	StateSyncing
	StateIdentifying
	StateReady
	StateErasing
	StateWriting
	StateVerifying
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateSyncing:
		return "Syncing"
	case StateIdentifying:
		return "Identifying"
	case StateReady:
		return "Ready"
	case StateErasing:
		return "Erasing"
	case StateWriting:
		return "Writing"
	case StateVerifying:
		return "Verifying"
	case StateDone:
		return "Done"
	case StateError:
		return "Error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// acceptsJobs reports whether erase and flash jobs may start without a re-sync.
func (s State) acceptsJobs() bool {
	return s == StateReady || s == StateDone
}
