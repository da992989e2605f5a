/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package blockspace maps sequences to physical KV-cache blocks across the
// device and host memory tiers and answers the scheduler's admission
// questions.
package blockspace

// AllocStatus is the three-valued admission verdict for a capacity check.
type AllocStatus int

const (
	// AllocOK means the request fits in currently free memory.
	AllocOK AllocStatus = iota
	// AllocLater means the request does not fit now but will once enough
	// running work completes or is preempted.
	AllocLater
	// AllocNever means the request can never fit, even on an idle device,
	// and must be permanently rejected.
	AllocNever
)

func (s AllocStatus) String() string {
	switch s {
	case AllocOK:
		return "ok"
	case AllocLater:
		return "later"
	case AllocNever:
		return "never"
	default:
		return "unknown"
	}
}
