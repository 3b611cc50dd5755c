// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conflict

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// relationshipFields are delta keys that indicate an edit touches entity
// relationships rather than plain content.
var relationshipFields = map[string]bool{
	"depends_on":   true,
	"dependencies": true,
	"parent_id":    true,
	"references":   true,
	"linked_ids":   true,
}

// HeuristicClassifier promotes content conflicts whose deltas touch
// relationship fields to dependency conflicts. It never demotes a
// classification and needs no network access.
type HeuristicClassifier struct{}

// Classify implements Classifier.
func (HeuristicClassifier) Classify(_ context.Context, info *Info) (ConflictType, error) {
	if info.Type != ContentConflict {
		return info.Type, nil
	}
	for _, cc := range info.Changes {
		for _, field := range cc.Change.Delta.ChangedFields() {
			if relationshipFields[strings.ToLower(field)] {
				return DependencyConflict, nil
			}
		}
	}
	return info.Type, nil
}

// LLMClassifier asks a chat model whether concurrent edits are merely
// textual or semantically incompatible. On any API failure it falls back
// to the heuristic classifier so detection never blocks on the network.
type LLMClassifier struct {
	client   *openai.Client
	model    string
	fallback HeuristicClassifier
}

// NewLLMClassifier builds a classifier from OPENAI_API_KEY. model may be
// empty to use the default.
func NewLLMClassifier(model, baseURL string) (*LLMClassifier, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
	}
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("classifier model not set, defaulting to gpt-4o-mini")
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &LLMClassifier{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}, nil
}

const classifierSystemPrompt = `You classify concurrent edits to the same entity.
Respond with exactly one word: content, semantic, or dependency.
"semantic" means the edits are individually valid but mutually incompatible in meaning.
"dependency" means an edit changes or breaks relationships to other entities.
"content" means ordinary overlapping field edits.`

// Classify implements Classifier.
func (c *LLMClassifier) Classify(ctx context.Context, info *Info) (ConflictType, error) {
	if info.Type != ContentConflict {
		return info.Type, nil
	}

	payload, err := json.Marshal(info.Changes)
	if err != nil {
		return c.fallback.Classify(ctx, info)
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: classifierSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: string(payload)},
		},
	})
	if err != nil {
		slog.Warn("LLM classification failed, using heuristic", "error", err)
		return c.fallback.Classify(ctx, info)
	}
	if len(resp.Choices) == 0 {
		return c.fallback.Classify(ctx, info)
	}

	switch strings.TrimSpace(strings.ToLower(resp.Choices[0].Message.Content)) {
	case "semantic":
		return SemanticConflict, nil
	case "dependency":
		return DependencyConflict, nil
	default:
		return info.Type, nil
	}
}
