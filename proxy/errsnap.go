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

package proxy

import "time"

// snapshotMax bounds the buffer excerpt kept with an error snapshot.
const snapshotMax = 1024

// ErrSnapshot captures the context of one failed exchange for later
// diagnosis through the stats interfaces.
type ErrSnapshot struct {
	When    time.Time
	Server  string // empty if no server was assigned
	Session string
	Reason  string
	// Excerpt is the head of the offending buffer at failure time.
	Excerpt []byte
}

// ErrSnapshots keeps the last request-side and response-side error of a
// proxy.
type ErrSnapshots struct {
	Req  *ErrSnapshot
	Resp *ErrSnapshot
}

// CaptureReq records a request-side error, replacing the previous one.
func (e *ErrSnapshots) CaptureReq(snap ErrSnapshot) {
	snap.Excerpt = clipExcerpt(snap.Excerpt)
	e.Req = &snap
}

// CaptureResp records a response-side error, replacing the previous one.
func (e *ErrSnapshots) CaptureResp(snap ErrSnapshot) {
	snap.Excerpt = clipExcerpt(snap.Excerpt)
	e.Resp = &snap
}

func clipExcerpt(b []byte) []byte {
	if len(b) > snapshotMax {
		b = b[:snapshotMax]
	}
	// snapshots outlive the session's buffer; copy out
	return append([]byte(nil), b...)
}
