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

package kvblock

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"
)

// contentHasher computes the chained per-block content hash used for prefix
// reuse. The payload [parent, tokens] is serialized with canonical CBOR so
// the encoding is deterministic, then digested with xxhash64.
type contentHasher struct {
	encMode  cbor.EncMode
	initHash uint64
}

// newContentHasher prepares a hasher seeded with the given string. Deployers
// that want cross-process hash alignment must agree on the seed.
func newContentHasher(seed string) (*contentHasher, error) {
	encMode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create CBOR encoder: %w", err)
	}

	seedBytes, err := encMode.Marshal(seed)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal hash seed: %w", err)
	}

	return &contentHasher{
		encMode:  encMode,
		initHash: xxhash.Sum64(seedBytes),
	}, nil
}

// hash digests one block's worth of tokens chained on the parent hash.
func (h *contentHasher) hash(parent uint64, tokenIDs []int) uint64 {
	payload := []interface{}{parent, tokenIDs}

	b, err := h.encMode.Marshal(payload)
	if err != nil {
		// Canonical encoding of ints cannot fail; treat it as a bug.
		panic(fmt.Sprintf("kvblock: failed to marshal hash payload: %v", err))
	}

	return xxhash.Sum64(b)
}

// chainHash digests tokenIDs chained on prev's content hash, falling back
// to the seed hash when prev is nil or unhashed.
func (h *contentHasher) chainHash(prev *Block, tokenIDs []int) uint64 {
	parent := h.initHash
	if prev != nil {
		if ph, ok := prev.ContentHash(); ok {
			parent = ph
		}
	}

	return h.hash(parent, tokenIDs)
}
