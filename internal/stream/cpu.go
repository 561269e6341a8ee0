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

package stream

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// userHZ is the kernel clock tick rate used for /proc stat times.
const userHZ = 100

// cpuSampler reads the process's cumulative CPU time from /proc/self/stat
// and reports utilization as a percentage of one core over the interval
// between consecutive samples. The first sample is always zero.
type cpuSampler struct {
	statPath string
	now      func() time.Time

	lastCPU  float64 // seconds
	lastWall time.Time
}

func newCPUSampler(statPath string) *cpuSampler {
	if statPath == "" {
		statPath = "/proc/self/stat"
	}
	return &cpuSampler{statPath: statPath, now: time.Now}
}

func (s *cpuSampler) sample() (float64, error) {
	cpu, err := readCPUSeconds(s.statPath)
	if err != nil {
		return 0, err
	}
	wall := s.now()

	if s.lastWall.IsZero() {
		s.lastCPU, s.lastWall = cpu, wall
		return 0, nil
	}

	elapsed := wall.Sub(s.lastWall).Seconds()
	used := cpu - s.lastCPU
	s.lastCPU, s.lastWall = cpu, wall
	if elapsed <= 0 {
		return 0, nil
	}
	pct := used / elapsed * 100
	if pct < 0 {
		pct = 0
	}
	return pct, nil
}

// readCPUSeconds parses utime+stime from a /proc pid stat line. The comm
// field may contain spaces, so fields are counted from after its closing
// parenthesis.
func readCPUSeconds(path string) (float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	line := string(raw)
	i := strings.LastIndexByte(line, ')')
	if i < 0 {
		return 0, fmt.Errorf("malformed stat line in %s", path)
	}
	fields := strings.Fields(line[i+1:])
	// fields[0] is process state; utime and stime are stat fields 14 and 15.
	if len(fields) < 13 {
		return 0, fmt.Errorf("short stat line in %s: %d fields", path, len(fields))
	}
	utime, err := strconv.ParseFloat(fields[11], 64)
	if err != nil {
		return 0, fmt.Errorf("parsing utime: %w", err)
	}
	stime, err := strconv.ParseFloat(fields[12], 64)
	if err != nil {
		return 0, fmt.Errorf("parsing stime: %w", err)
	}
	return (utime + stime) / userHZ, nil
}
