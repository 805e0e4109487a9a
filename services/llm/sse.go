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
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// errStreamDone is returned by a decoder for the provider's explicit end marker.
var errStreamDone = errors.New("stream done")

// ErrUnknownEvent is returned for provider event names outside the decoder's
// known and ignored sets when strict decoding is enabled.
var ErrUnknownEvent = errors.New("unknown upstream event")

// sseReader reads Server-Sent Events frames incrementally.
type sseReader struct {
	r *bufio.Reader
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next dispatched event. Comment lines, id and retry fields
// are skipped. Multiple data lines are joined with "\n".
func (s *sseReader) Next() (string, []byte, error) {
	var (
		name    string
		data    bytes.Buffer
		hasData bool
	)
	for {
		line, err := s.r.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", nil, err
		}
		atEOF := errors.Is(err, io.EOF)
		line = bytes.TrimRight(line, "\r\n")

		if len(line) == 0 {
			if hasData || name != "" {
				return name, data.Bytes(), nil
			}
			if atEOF {
				return "", nil, io.EOF
			}
			continue
		}

		if line[0] != ':' {
			field, value, _ := bytes.Cut(line, []byte(":"))
			value = bytes.TrimPrefix(value, []byte(" "))
			switch string(field) {
			case "event":
				name = string(value)
			case "data":
				if hasData {
					data.WriteByte('\n')
				}
				data.Write(value)
				hasData = true
			}
		}

		if atEOF {
			if hasData || name != "" {
				return name, data.Bytes(), nil
			}
			return "", nil, io.EOF
		}
	}
}

// decodeFunc maps one SSE frame to zero or more events.
type decodeFunc func(name string, data []byte) ([]Event, error)

// sseStream adapts an HTTP response body to EventStream.
type sseStream struct {
	body    io.ReadCloser
	cancel  context.CancelFunc
	reader  *sseReader
	decode  decodeFunc
	pending []Event
	done    bool
	once    sync.Once
}

func newSSEStream(body io.ReadCloser, cancel context.CancelFunc, decode decodeFunc) *sseStream {
	return &sseStream{body: body, cancel: cancel, reader: newSSEReader(body), decode: decode}
}

// Recv implements EventStream.
func (s *sseStream) Recv() (Event, error) {
	for len(s.pending) == 0 {
		if s.done {
			return nil, io.EOF
		}
		name, data, err := s.reader.Next()
		if errors.Is(err, io.EOF) {
			s.done = true
			return nil, io.EOF
		}
		if err != nil {
			return nil, fmt.Errorf("read upstream stream: %w", err)
		}
		events, err := s.decode(name, data)
		if errors.Is(err, errStreamDone) {
			s.done = true
			continue
		}
		if err != nil {
			return nil, err
		}
		s.pending = events
	}
	ev := s.pending[0]
	s.pending = s.pending[1:]
	return ev, nil
}

// Close implements EventStream.
func (s *sseStream) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.body.Close()
	})
	return err
}

// unknownEvent applies the strictness policy to an unrecognised event name.
func unknownEvent(strict bool, logger *slog.Logger, name string) ([]Event, error) {
	if strict {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
	logger.Warn("skipping unrecognised upstream event", "event", name)
	return nil, nil
}

var _ EventStream = (*sseStream)(nil)
