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

package sequence

// Status is the lifecycle state of a Sequence.
type Status int

const (
	// StatusWaiting marks a sequence that has not been admitted yet.
	StatusWaiting Status = iota
	// StatusRunning marks a sequence that is actively scheduled on the device.
	StatusRunning
	// StatusSwapped marks a sequence whose blocks were evicted to host memory.
	StatusSwapped
	// StatusFinishedStopped marks a sequence that produced a stop token.
	StatusFinishedStopped
	// StatusFinishedLengthCapped marks a sequence that hit its token limit.
	StatusFinishedLengthCapped
	// StatusFinishedAborted marks a sequence cancelled by the caller.
	StatusFinishedAborted
	// StatusFinishedIgnored marks a sequence permanently rejected by
	// admission control, e.g. a prompt that can never fit.
	StatusFinishedIgnored
)

// IsFinished reports whether the status is terminal.
func (s Status) IsFinished() bool {
	switch s {
	case StatusFinishedStopped, StatusFinishedLengthCapped,
		StatusFinishedAborted, StatusFinishedIgnored:
		return true
	default:
		return false
	}
}

// String returns a human-readable name for the status.
func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusRunning:
		return "running"
	case StatusSwapped:
		return "swapped"
	case StatusFinishedStopped:
		return "finished-stopped"
	case StatusFinishedLengthCapped:
		return "finished-length-capped"
	case StatusFinishedAborted:
		return "finished-aborted"
	case StatusFinishedIgnored:
		return "finished-ignored"
	default:
		return "unknown"
	}
}
