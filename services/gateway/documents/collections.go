// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package documents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianChat/services/gateway/datatypes"
)

// ErrNotFound is returned when a collection or file does not exist.
var ErrNotFound = errors.New("documents: not found")

// Collections is the retrieval collection and raw file store capability.
//
// # Description
//
// A collection is the provider-side index the assistant searches. Files live
// in a raw store and become searchable once attached to a collection. Deleting
// a document removes both the membership and the raw file.
type Collections interface {
	CreateCollection(ctx context.Context, name string) (string, error)
	DeleteCollection(ctx context.Context, collectionID string) error
	ListFiles(ctx context.Context, collectionID string) ([]datatypes.Document, error)
	UploadFile(ctx context.Context, name string, data []byte) (string, error)
	AttachFile(ctx context.Context, collectionID, fileID string) error
	DetachFile(ctx context.Context, collectionID, fileID string) error
	DeleteFile(ctx context.Context, fileID string) error
}

// =============================================================================
// OpenAI implementation
// =============================================================================

const (
	listPageSize     = 100
	nameLookupLimit  = 8
	unnamedDocument  = "document"
	defaultListOrder = "desc"
)

// OpenAICollections implements Collections with provider vector stores and
// files.
//
// # Thread Safety
//
// Safe for concurrent use.
type OpenAICollections struct {
	api    *openai.Client
	logger *slog.Logger
}

// NewOpenAICollections wraps a go-openai client.
func NewOpenAICollections(api *openai.Client, logger *slog.Logger) *OpenAICollections {
	if api == nil {
		panic("documents.NewOpenAICollections: api must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAICollections{api: api, logger: logger}
}

// CreateCollection creates a vector store.
func (o *OpenAICollections) CreateCollection(ctx context.Context, name string) (string, error) {
	vs, err := o.api.CreateVectorStore(ctx, openai.VectorStoreRequest{Name: name})
	if err != nil {
		return "", fmt.Errorf("create vector store: %w", err)
	}
	return vs.ID, nil
}

// DeleteCollection deletes a vector store.
func (o *OpenAICollections) DeleteCollection(ctx context.Context, collectionID string) error {
	if _, err := o.api.DeleteVectorStore(ctx, collectionID); err != nil {
		return fmt.Errorf("delete vector store %s: %w", collectionID, mapNotFound(err))
	}
	return nil
}

// ListFiles pages through the vector store's files and resolves their names
// from the raw file store.
func (o *OpenAICollections) ListFiles(ctx context.Context, collectionID string) ([]datatypes.Document, error) {
	var (
		members []openai.VectorStoreFile
		after   *string
	)
	limit := listPageSize
	order := defaultListOrder
	for {
		page, err := o.api.ListVectorStoreFiles(ctx, collectionID, openai.Pagination{
			Limit: &limit,
			Order: &order,
			After: after,
		})
		if err != nil {
			return nil, fmt.Errorf("list vector store files: %w", mapNotFound(err))
		}
		members = append(members, page.VectorStoreFiles...)
		if !page.HasMore || page.LastID == nil {
			break
		}
		after = page.LastID
	}

	docs := make([]datatypes.Document, len(members))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(nameLookupLimit)
	for i, m := range members {
		docs[i] = datatypes.Document{
			ID:        m.ID,
			Name:      unnamedDocument,
			SizeBytes: int64(m.UsageBytes),
			CreatedAt: m.CreatedAt * 1000,
			Status:    m.Status,
		}
		g.Go(func() error {
			f, err := o.api.GetFile(gctx, m.ID)
			if err != nil {
				// The listing is still useful without a name.
				o.logger.Warn("failed to resolve document name", "file_id", m.ID, "error", err)
				return nil
			}
			if f.FileName != "" {
				docs[i].Name = f.FileName
			}
			if f.Bytes > 0 {
				docs[i].SizeBytes = int64(f.Bytes)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return docs, nil
}

// UploadFile stores raw bytes for assistant retrieval.
func (o *OpenAICollections) UploadFile(ctx context.Context, name string, data []byte) (string, error) {
	f, err := o.api.CreateFileBytes(ctx, openai.FileBytesRequest{
		Name:    name,
		Bytes:   data,
		Purpose: openai.PurposeAssistants,
	})
	if err != nil {
		return "", fmt.Errorf("upload file: %w", err)
	}
	return f.ID, nil
}

// AttachFile adds a file to a vector store.
func (o *OpenAICollections) AttachFile(ctx context.Context, collectionID, fileID string) error {
	if _, err := o.api.CreateVectorStoreFile(ctx, collectionID, openai.VectorStoreFileRequest{FileID: fileID}); err != nil {
		return fmt.Errorf("attach file %s: %w", fileID, mapNotFound(err))
	}
	return nil
}

// DetachFile removes a file from a vector store.
func (o *OpenAICollections) DetachFile(ctx context.Context, collectionID, fileID string) error {
	if err := o.api.DeleteVectorStoreFile(ctx, collectionID, fileID); err != nil {
		return fmt.Errorf("detach file %s: %w", fileID, mapNotFound(err))
	}
	return nil
}

// DeleteFile removes a raw file.
func (o *OpenAICollections) DeleteFile(ctx context.Context, fileID string) error {
	if err := o.api.DeleteFile(ctx, fileID); err != nil {
		return fmt.Errorf("delete file %s: %w", fileID, mapNotFound(err))
	}
	return nil
}

func mapNotFound(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return err
}

var _ Collections = (*OpenAICollections)(nil)
