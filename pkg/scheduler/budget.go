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

package scheduler

import "k8s.io/apimachinery/pkg/util/sets"

// schedulingBudget tracks the remaining token and sequence budgets within
// one Schedule call. Request ids are remembered so a group charged twice
// in one pass is only counted once.
type schedulingBudget struct {
	tokenBudget int
	maxNumSeqs  int

	chargedTokens sets.Set[string]
	chargedSeqs   sets.Set[string]

	numBatchedTokens int
	numCurrSeqs      int
}

func newSchedulingBudget(tokenBudget, maxNumSeqs int) *schedulingBudget {
	return &schedulingBudget{
		tokenBudget:   tokenBudget,
		maxNumSeqs:    maxNumSeqs,
		chargedTokens: sets.New[string](),
		chargedSeqs:   sets.New[string](),
	}
}

// canSchedule reports whether numNewTokens and numNewSeqs both fit.
func (b *schedulingBudget) canSchedule(numNewTokens, numNewSeqs int) bool {
	return b.numBatchedTokens+numNewTokens <= b.tokenBudget &&
		b.numCurrSeqs+numNewSeqs <= b.maxNumSeqs
}

// remainingTokenBudget returns the unclaimed part of the token budget.
func (b *schedulingBudget) remainingTokenBudget() int {
	return b.tokenBudget - b.numBatchedTokens
}

func (b *schedulingBudget) addNumBatchedTokens(requestID string, numTokens int) {
	if b.chargedTokens.Has(requestID) {
		return
	}
	b.chargedTokens.Insert(requestID)
	b.numBatchedTokens += numTokens
}

func (b *schedulingBudget) subtractNumBatchedTokens(requestID string, numTokens int) {
	if !b.chargedTokens.Has(requestID) {
		return
	}
	b.chargedTokens.Delete(requestID)
	b.numBatchedTokens -= numTokens
}

func (b *schedulingBudget) addNumSeqs(requestID string, numSeqs int) {
	if b.chargedSeqs.Has(requestID) {
		return
	}
	b.chargedSeqs.Insert(requestID)
	b.numCurrSeqs += numSeqs
}

func (b *schedulingBudget) subtractNumSeqs(requestID string, numSeqs int) {
	if !b.chargedSeqs.Has(requestID) {
		return
	}
	b.chargedSeqs.Delete(requestID)
	b.numCurrSeqs -= numSeqs
}
