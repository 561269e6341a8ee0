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

package stress

import (
	"testing"
	"time"
)

func TestDataSize(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want int64
	}{
		{"nil", nil, 0},
		{"empty string", "", 0},
		{"ascii string", "hello", 5},
		{"multibyte string", "héllo", 6},
		{"bytes", []byte{1, 2, 3}, 3},
		{"int64", int64(42), 8},
		{"float64", 3.14, 8},
		{"int32", int32(1), 4},
		{"int16", int16(1), 2},
		{"bool", true, 1},
		{"time", time.Now(), 8},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DataSize(tc.in); got != tc.want {
				t.Fatalf("DataSize(%v) = %d, want %d", tc.in, got, tc.want)
			}
		})
	}
}

// Summing a mixed row must match the per-column sizes exactly.
func TestDataSizeRowTotal(t *testing.T) {
	row := []any{int64(7), "order-123", []byte{0xDE, 0xAD}, 2.5, true, nil}
	var total int64
	for _, v := range row {
		total += DataSize(v)
	}
	// 8 + 9 + 2 + 8 + 1 + 0
	if total != 28 {
		t.Fatalf("row total = %d, want 28", total)
	}
}
