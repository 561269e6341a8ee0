/*
SPDX-FileCopyrightText: Copyright (c) 2026 SQLStressTest contributors. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

// Package correlate re-associates asynchronously captured trace events with
// the stress execution that produced them. Each execution tags its connection
// with a marker written into the engine's fixed-size session attribute; the
// marker surfaces on every captured event and is the only join key between
// the trace stream and the in-flight executions.
package correlate

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// MarkerPrefix prefixes every correlation marker. The suffix is the decimal
// execution number.
const MarkerPrefix = "SQLSTRESS_"

// MarkerSize is the fixed width of the engine's opaque session attribute
// (SQL Server CONTEXT_INFO). Markers are ASCII, zero-padded to this width.
const MarkerSize = 128

// MarkerFor returns the marker string for an execution number.
func MarkerFor(executionNumber int) string {
	return MarkerPrefix + strconv.Itoa(executionNumber)
}

// EncodeMarker renders the marker for an execution number as the full
// fixed-width attribute value, zero-padded.
func EncodeMarker(executionNumber int) []byte {
	buf := make([]byte, MarkerSize)
	copy(buf, MarkerFor(executionNumber))
	return buf
}

// DecodeMarker extracts the execution number from a raw attribute value.
// Trailing zero bytes are stripped before prefix matching. Returns the
// execution number, the trimmed marker string, and whether the value was a
// well-formed marker. A value without the prefix is not an error, just not
// ours.
func DecodeMarker(raw []byte) (int, string, bool) {
	trimmed := string(bytes.TrimRight(raw, "\x00"))
	if !strings.HasPrefix(trimmed, MarkerPrefix) {
		return 0, "", false
	}
	n, err := strconv.Atoi(trimmed[len(MarkerPrefix):])
	if err != nil || n < 0 {
		return 0, "", false
	}
	return n, trimmed, true
}

// HasMarkerPrefix reports whether a raw attribute value starts with the
// marker prefix, whether or not its suffix parses as an execution number.
func HasMarkerPrefix(raw []byte) bool {
	return strings.HasPrefix(string(bytes.TrimRight(raw, "\x00")), MarkerPrefix)
}

// ParseAttributeHex decodes the hex rendering of a binary attribute value as
// it appears in the trace XML (e.g. "0x53514C..."). An empty string decodes
// to nil.
func ParseAttributeHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("malformed hex attribute value: %w", err)
	}
	return raw, nil
}
