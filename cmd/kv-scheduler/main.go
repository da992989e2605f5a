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

// kv-scheduler runs the inference scheduling core against the stub
// executor: it admits a batch of synthetic requests and steps the engine
// until they all finish, logging the schedule and cache metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-scheduler/pkg/engine"
	"github.com/llm-d/llm-d-kv-scheduler/pkg/sequence"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	numRequests := flag.Int("requests", 8, "number of synthetic requests to submit")
	promptLen := flag.Int("prompt-len", 96, "prompt length of each synthetic request")
	maxTokens := flag.Int("max-tokens", 32, "tokens to generate per request")
	klog.InitFlags(nil)
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	logger := klog.FromContext(ctx)

	cfg := engine.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = engine.LoadConfig(*configPath)
		if err != nil {
			logger.Error(err, "failed to load config")
			os.Exit(1)
		}
	}

	eng, err := engine.New(ctx, cfg, engine.NewStubExecutor(cfg.Executor))
	if err != nil {
		logger.Error(err, "failed to create engine")
		os.Exit(1)
	}

	for i := 0; i < *numRequests; i++ {
		prompt := make([]int, *promptLen)
		for j := range prompt {
			prompt[j] = (i*7 + j) % cfg.Executor.VocabSize
		}

		sampling := sequence.DefaultSamplingParams()
		sampling.MaxTokens = *maxTokens
		sampling.IgnoreEOS = true

		if err := eng.AddRequest(&engine.Request{
			RequestID:      fmt.Sprintf("req-%d", i),
			PromptTokenIDs: prompt,
			Sampling:       sampling,
		}); err != nil {
			logger.Error(err, "failed to add request", "requestID", fmt.Sprintf("req-%d", i))
			os.Exit(1)
		}
	}
	logger.Info("submitted requests", "count", *numRequests)

	outputs, err := eng.Run(ctx)
	if err != nil {
		logger.Error(err, "engine run failed")
		os.Exit(1)
	}

	for _, out := range outputs {
		for _, seq := range out.Outputs {
			logger.Info("request finished",
				"requestID", out.RequestID,
				"seqID", seq.SeqID,
				"tokens", len(seq.TokenIDs),
				"finishReason", seq.FinishReason)
		}
	}
}
