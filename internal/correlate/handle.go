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
	"strconv"

	"github.com/google/uuid"
)

// HandleProvider maps an execution number to the opaque execution handle
// carried by boundary, metrics, and event notifications. It is an interface
// so the deterministic scheme below can be swapped for a per-run unique id
// without touching callers.
type HandleProvider interface {
	HandleFor(executionNumber int) string
}

// handleNamespace is the fixed UUIDv5 namespace for deterministic handles.
var handleNamespace = uuid.MustParse("8a9c1e6e-43d2-4c8f-9f1a-2b5d7e0c4a31")

// DeterministicHandles derives the execution handle from the execution number
// alone. This keeps compatibility with the older per-GUID correlation scheme:
// the trace side can reconstruct the handle from the number embedded in the
// marker without any shared state.
type DeterministicHandles struct{}

// HandleFor returns the UUID handle for an execution number.
func (DeterministicHandles) HandleFor(executionNumber int) string {
	return uuid.NewSHA1(handleNamespace,
		[]byte("execution-"+strconv.Itoa(executionNumber))).String()
}
