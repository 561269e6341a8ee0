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

package correlate

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/daveTechLed/sqlstress/internal/xevents"
	"github.com/daveTechLed/sqlstress/pkg/wire"
)

// Convert turns a captured trace event into its wire-ready record. Binary
// values (surfaced by the reader as hex strings) are re-encoded base64; all
// other values pass through as text. ExecutionNumber and ExecutionID are left
// for the caller to fill in.
func Convert(ev xevents.CapturedEvent) wire.ExtendedEventData {
	return wire.ExtendedEventData{
		EventName:   ev.Name,
		Timestamp:   ev.Timestamp.Format(time.RFC3339Nano),
		EventFields: convertValues(ev.Fields),
		Actions:     convertValues(ev.Actions),
	}
}

func convertValues(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = convertValue(v)
	}
	return out
}

// convertValue base64-encodes hex-rendered binary values and passes text
// through unchanged. A value that merely looks hex-ish but fails to decode is
// treated as text rather than dropped.
func convertValue(v string) string {
	if !strings.HasPrefix(v, "0x") && !strings.HasPrefix(v, "0X") {
		return v
	}
	raw, err := ParseAttributeHex(v)
	if err != nil || raw == nil {
		return v
	}
	return base64.StdEncoding.EncodeToString(raw)
}
