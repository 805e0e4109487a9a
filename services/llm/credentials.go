// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// DefaultSecretPath is where container secrets mount the provider key.
const DefaultSecretPath = "/run/secrets/openai_api_key"

// ResolveAPIKey returns configured if set, else OPENAI_API_KEY, else the
// contents of secretPath.
func ResolveAPIKey(configured, secretPath string) (string, error) {
	if key := strings.TrimSpace(configured); key != "" {
		return key, nil
	}
	if key := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); key != "" {
		return key, nil
	}
	if secretPath == "" {
		secretPath = DefaultSecretPath
	}
	raw, err := os.ReadFile(secretPath)
	if err != nil {
		slog.Error("OPENAI_API_KEY environment variable not set and secret not found", "path", secretPath)
		return "", fmt.Errorf("OPENAI_API_KEY environment variable not set")
	}
	slog.Info("Read the OpenAI API Key from secret file", "path", secretPath)
	return strings.TrimSpace(string(raw)), nil
}
