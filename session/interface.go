// Copyright 2024-2026 The Strand Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import "github.com/strandproxy/strand/tick"

// SIState is a stream interface's position in the connection lifecycle.
// The client side jumps straight to SIEst on accept; the server side
// walks the full path.
type SIState uint8

// Stream interface states.
const (
	SIIni SIState = iota // idle, pre-wakeup
	SIReq                // a server connection is desired
	SIQue                // waiting in a pending queue
	SITar                // turn-around delay before a connect retry
	SIAss                // server assigned, about to connect
	SICon                // connect() issued, waiting for the outcome
	SICer                // connect failed, deciding on a retry
	SIEst                // established, forwarding
	SIDis                // one side shut, draining
	SIClo                // fully closed
)

func (st SIState) String() string {
	switch st {
	case SIIni:
		return "INI"
	case SIReq:
		return "REQ"
	case SIQue:
		return "QUE"
	case SITar:
		return "TAR"
	case SIAss:
		return "ASS"
	case SICon:
		return "CON"
	case SICer:
		return "CER"
	case SIEst:
		return "EST"
	case SIDis:
		return "DIS"
	case SIClo:
		return "CLO"
	default:
		return "?"
	}
}

// StreamInterface is one side of a session's data flow.
type StreamInterface struct {
	State     SIState
	PrevState SIState
	// FD is the side's descriptor, -1 when none is open.
	FD int
	// Exp is the deadline of the current state (connect, queue,
	// turn-around); Expired records that the handler observed it pass.
	Exp     tick.Tick
	Expired bool
}

func (si *StreamInterface) setState(st SIState) {
	si.PrevState = si.State
	si.State = st
}

func (si *StreamInterface) armExp(exp tick.Tick) {
	si.Exp = exp
	si.Expired = false
}
