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
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/services/llm"
)

func TestSQLiteLog_RecordAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "usage.db")
	l, err := OpenSQLite(path, nil)
	require.NoError(t, err)
	defer l.Close()

	at := time.UnixMilli(1_700_000_000_000)
	require.NoError(t, l.Record(context.Background(), Event{
		UserID: "u1", Transport: TransportPublic, Model: "gpt-4o-mini", RequestID: "r1",
		InputTokens: 12, OutputTokens: 34, At: at,
	}))
	require.NoError(t, l.Record(context.Background(), Event{
		UserID: "u1", Transport: TransportInternal, Model: "gpt-4o-mini", RequestID: "r2",
		InputTokens: 1, OutputTokens: 2, Estimated: true,
	}))

	var count, input, output, estimated int
	require.NoError(t, l.db.QueryRow(
		`SELECT COUNT(*), SUM(input_tokens), SUM(output_tokens), SUM(estimated) FROM usage_events WHERE user_id = ?`, "u1",
	).Scan(&count, &input, &output, &estimated))
	assert.Equal(t, 2, count)
	assert.Equal(t, 13, input)
	assert.Equal(t, 36, output)
	assert.Equal(t, 1, estimated)

	var createdAt int64
	require.NoError(t, l.db.QueryRow(`SELECT created_at FROM usage_events WHERE request_id = 'r1'`).Scan(&createdAt))
	assert.Equal(t, at.UnixMilli(), createdAt)
}

func TestSQLiteLog_ReopenKeepsEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.db")
	l, err := OpenSQLite(path, nil)
	require.NoError(t, err)
	require.NoError(t, l.Record(context.Background(), Event{UserID: "u1", Transport: TransportPublic, Model: "m"}))
	require.NoError(t, l.Close())

	l, err = OpenSQLite(path, nil)
	require.NoError(t, err)
	defer l.Close()

	var count int
	require.NoError(t, l.db.QueryRow(`SELECT COUNT(*) FROM usage_events`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestCounter_CountsTokens(t *testing.T) {
	c, err := DefaultCounter()
	require.NoError(t, err)

	assert.Zero(t, c.Count(""))
	assert.Equal(t, 2, c.Count("hello world"))
}

func TestCounter_FillOnlyEstimatesMissingCounts(t *testing.T) {
	c, err := DefaultCounter()
	require.NoError(t, err)

	u, estimated := c.Fill(llm.Usage{InputTokens: 7, OutputTokens: 3}, []string{"hello world"}, "hi")
	assert.False(t, estimated)
	assert.Equal(t, llm.Usage{InputTokens: 7, OutputTokens: 3}, u)

	u, estimated = c.Fill(llm.Usage{}, []string{"hello world", "hello world"}, "hello world")
	assert.True(t, estimated)
	assert.Equal(t, 4, u.InputTokens)
	assert.Equal(t, 2, u.OutputTokens)
}

func TestNopLog(t *testing.T) {
	assert.NoError(t, NopLog{}.Record(context.Background(), Event{}))
}
