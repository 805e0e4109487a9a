// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package usage

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"

	"github.com/AleutianAI/AleutianChat/services/llm"
)

// Encoding is the tokenizer used for estimates.
const Encoding = "cl100k_base"

func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// Counter estimates token counts locally.
type Counter struct {
	encoding *tiktoken.Tiktoken
}

var (
	counterOnce     sync.Once
	counterInstance *Counter
	counterErr      error
)

// DefaultCounter returns the shared Counter, loading the encoding once.
func DefaultCounter() (*Counter, error) {
	counterOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(Encoding)
		if err != nil {
			counterErr = err
			return
		}
		counterInstance = &Counter{encoding: enc}
	})
	return counterInstance, counterErr
}

// Count returns the token count of text.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(c.encoding.Encode(text, nil, nil))
}

// Fill returns u with missing counts estimated from the prompt and the
// generated text. The bool reports whether anything was estimated.
func (c *Counter) Fill(u llm.Usage, prompt []string, output string) (llm.Usage, bool) {
	estimated := false
	if u.InputTokens == 0 {
		for _, p := range prompt {
			u.InputTokens += c.Count(p)
		}
		estimated = u.InputTokens > 0
	}
	if u.OutputTokens == 0 && output != "" {
		u.OutputTokens = c.Count(output)
		estimated = true
	}
	return u, estimated
}
