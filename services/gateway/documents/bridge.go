// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package documents ingests, lists and deletes the documents in a caller's
// retrieval collection.
package documents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/AleutianAI/AleutianChat/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianChat/services/gateway/entitlement"
	"github.com/AleutianAI/AleutianChat/services/gateway/identity"
)

const (
	// DefaultSniffBytes is how much of an upload is inspected for its type.
	DefaultSniffBytes = 3072

	// DefaultMaxUploadBytes bounds a single upload.
	DefaultMaxUploadBytes int64 = 32 << 20

	// StatusInProgress is the status of a freshly attached document.
	StatusInProgress = "in_progress"
)

// AllowedTypes are the content types accepted for ingestion, by sniffed
// content rather than declared name.
var AllowedTypes = []string{
	"application/pdf",
	"text/plain",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// Config tunes the bridge.
type Config struct {
	SniffBytes     int
	MaxUploadBytes int64
}

// Bridge moves uploads into the caller's collection.
//
// # Description
//
// Every precondition of an upload is checked before any write to a
// collaborator: entitlement, file count, sniffed content type and storage.
// The caller's collection is created on first upload and recorded in their
// metadata.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent first uploads for one caller may each
// create a collection; only the one recorded in metadata survives.
type Bridge struct {
	coll   Collections
	gate   *entitlement.Gate
	meta   identity.MetadataWriter
	cfg    Config
	logger *slog.Logger
}

// NewBridge creates a Bridge.
func NewBridge(coll Collections, gate *entitlement.Gate, meta identity.MetadataWriter, cfg Config, logger *slog.Logger) *Bridge {
	if coll == nil {
		panic("documents.NewBridge: coll must not be nil")
	}
	if gate == nil {
		panic("documents.NewBridge: gate must not be nil")
	}
	if meta == nil {
		panic("documents.NewBridge: meta must not be nil")
	}
	if cfg.SniffBytes <= 0 {
		cfg.SniffBytes = DefaultSniffBytes
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{coll: coll, gate: gate, meta: meta, cfg: cfg, logger: logger}
}

// MaxUploadBytes returns the per-upload size bound.
func (b *Bridge) MaxUploadBytes() int64 {
	return b.cfg.MaxUploadBytes
}

// DetectType returns the sniffed content type of data.
func (b *Bridge) DetectType(data []byte) *mimetype.MIME {
	prefix := data
	if len(prefix) > b.cfg.SniffBytes {
		prefix = prefix[:b.cfg.SniffBytes]
	}
	return mimetype.Detect(prefix)
}

func isAllowed(mt *mimetype.MIME) bool {
	for _, allowed := range AllowedTypes {
		if mt.Is(allowed) {
			return true
		}
	}
	return false
}

// Ingest adds one document to the caller's collection.
//
// # Description
//
// Preconditions, in order, each rejecting before any write:
//  1. the caller holds the required plan (EntitlementError);
//  2. the caller's document count is below the file quota (EntitlementError);
//  3. the sniffed content type is allowed (ValidationError);
//  4. used storage plus the upload fits the storage quota (EntitlementError).
//
// Then the collection is ensured, the bytes are uploaded and the file is
// attached.
//
// # Inputs
//
//   - ctx: Request context.
//   - subject: The authenticated caller.
//   - data: The uploaded bytes.
//   - declaredName: The client-supplied file name. Used for display only.
//
// # Outputs
//
//   - datatypes.Document: The new document.
//   - error: *datatypes.GatewayError.
func (b *Bridge) Ingest(ctx context.Context, subject *entitlement.Subject, data []byte, declaredName string) (datatypes.Document, error) {
	if subject == nil || !subject.Authenticated {
		return datatypes.Document{}, datatypes.NewAuthError("no session")
	}
	ent := b.gate.Entitlement(ctx, subject)
	if !ent.HasQualifyingPlan {
		return datatypes.Document{}, datatypes.NewEntitlementError("an active %s plan is required to upload documents", b.gate.RequiredPlan())
	}
	if len(data) == 0 {
		return datatypes.Document{}, datatypes.NewValidationError("file is empty")
	}
	if int64(len(data)) > b.cfg.MaxUploadBytes {
		return datatypes.Document{}, datatypes.NewValidationError("file exceeds the %d byte upload limit", b.cfg.MaxUploadBytes)
	}

	collectionID := subject.Metadata.VectorStoreID
	existing, err := b.listExisting(ctx, collectionID)
	if err != nil {
		return datatypes.Document{}, err
	}
	if len(existing) >= ent.FileQuota {
		return datatypes.Document{}, datatypes.NewEntitlementError("file limit reached: %d of %d documents", len(existing), ent.FileQuota)
	}

	mt := b.DetectType(data)
	if !isAllowed(mt) {
		b.logger.Info("upload rejected by content type",
			"user_id", subject.UserID,
			"declared_name", declaredName,
			"detected", mt.String())
		return datatypes.Document{}, datatypes.NewValidationError("unsupported file type %s: upload a PDF, Word or plain text document", mt.String())
	}

	used := usedBytes(existing)
	size := int64(len(data))
	if used+size > ent.StorageQuotaBytes {
		return datatypes.Document{}, datatypes.NewEntitlementError("storage limit reached: %d of %d bytes used, upload is %d bytes", used, ent.StorageQuotaBytes, size)
	}

	collectionID, err = b.ensureCollection(ctx, subject.UserID, collectionID)
	if err != nil {
		return datatypes.Document{}, err
	}

	name := displayName(declaredName)
	fileID, err := b.coll.UploadFile(ctx, name, data)
	if err != nil {
		return datatypes.Document{}, datatypes.NewUpstreamError("upload file", err)
	}
	if err := b.coll.AttachFile(ctx, collectionID, fileID); err != nil {
		if delErr := b.coll.DeleteFile(ctx, fileID); delErr != nil {
			b.logger.Warn("failed to remove unattached file", "file_id", fileID, "error", delErr)
		}
		return datatypes.Document{}, datatypes.NewUpstreamError("attach file", err)
	}

	b.logger.Info("document ingested",
		"user_id", subject.UserID,
		"file_id", fileID,
		"collection_id", collectionID,
		"bytes", size,
		"type", mt.String())
	return datatypes.Document{
		ID:        fileID,
		Name:      name,
		SizeBytes: size,
		CreatedAt: time.Now().UnixMilli(),
		Status:    StatusInProgress,
	}, nil
}

// List returns the caller's documents with their quota snapshot.
func (b *Bridge) List(ctx context.Context, subject *entitlement.Subject) (datatypes.DocumentListing, error) {
	if subject == nil || !subject.Authenticated {
		return datatypes.DocumentListing{}, datatypes.NewAuthError("no session")
	}
	docs, err := b.listExisting(ctx, subject.Metadata.VectorStoreID)
	if err != nil {
		return datatypes.DocumentListing{}, err
	}
	if docs == nil {
		docs = []datatypes.Document{}
	}
	return datatypes.DocumentListing{
		Documents:          docs,
		UsedBytes:          usedBytes(docs),
		SubscriptionStatus: subject.Metadata.SubscriptionStatus,
		Entitlement:        b.gate.Entitlement(ctx, subject),
	}, nil
}

// Delete removes a document from the caller's collection and the raw store.
//
// # Description
//
// The id must be a member of the caller's own collection; anything else is
// reported as not found so ids of other callers cannot be discovered.
func (b *Bridge) Delete(ctx context.Context, subject *entitlement.Subject, documentID string) error {
	if subject == nil || !subject.Authenticated {
		return datatypes.NewAuthError("no session")
	}
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return datatypes.NewValidationError("fileId is required")
	}
	collectionID := subject.Metadata.VectorStoreID
	if collectionID == "" {
		return datatypes.NewNotFoundError("document %s not found", documentID)
	}

	docs, err := b.listExisting(ctx, collectionID)
	if err != nil {
		return err
	}
	member := false
	for _, d := range docs {
		if d.ID == documentID {
			member = true
			break
		}
	}
	if !member {
		return datatypes.NewNotFoundError("document %s not found", documentID)
	}

	if err := b.coll.DetachFile(ctx, collectionID, documentID); err != nil && !errors.Is(err, ErrNotFound) {
		return datatypes.NewUpstreamError("detach file", err)
	}
	if err := b.coll.DeleteFile(ctx, documentID); err != nil && !errors.Is(err, ErrNotFound) {
		return datatypes.NewUpstreamError("delete file", err)
	}
	b.logger.Info("document deleted", "user_id", subject.UserID, "file_id", documentID)
	return nil
}

func (b *Bridge) listExisting(ctx context.Context, collectionID string) ([]datatypes.Document, error) {
	if collectionID == "" {
		return nil, nil
	}
	docs, err := b.coll.ListFiles(ctx, collectionID)
	if errors.Is(err, ErrNotFound) {
		// The recorded collection is gone; the next upload recreates it.
		return nil, nil
	}
	if err != nil {
		return nil, datatypes.NewUpstreamError("list files", err)
	}
	return docs, nil
}

// ensureCollection returns the caller's collection, creating and recording it
// when absent. If a concurrent upload recorded a different collection first,
// that one is kept and the one created here is deleted.
func (b *Bridge) ensureCollection(ctx context.Context, userID, current string) (string, error) {
	if current != "" {
		return current, nil
	}
	created, err := b.coll.CreateCollection(ctx, "user-"+userID)
	if err != nil {
		return "", datatypes.NewUpstreamError("create collection", err)
	}

	md, err := b.meta.UpdateMetadata(ctx, userID, func(md *identity.Metadata) error {
		if md.VectorStoreID == "" {
			md.VectorStoreID = created
		}
		return nil
	})
	if err != nil {
		b.discardCollection(ctx, created)
		return "", datatypes.NewUpstreamError("record collection", fmt.Errorf("user %s: %w", userID, err))
	}
	if md.VectorStoreID != created {
		b.logger.Info("concurrent collection creation, keeping recorded collection",
			"user_id", userID,
			"kept", md.VectorStoreID,
			"discarded", created)
		b.discardCollection(ctx, created)
	}
	return md.VectorStoreID, nil
}

func (b *Bridge) discardCollection(ctx context.Context, collectionID string) {
	if err := b.coll.DeleteCollection(ctx, collectionID); err != nil {
		b.logger.Warn("failed to delete discarded collection", "collection_id", collectionID, "error", err)
	}
}

func usedBytes(docs []datatypes.Document) int64 {
	var total int64
	for _, d := range docs {
		total += d.SizeBytes
	}
	return total
}

func displayName(declared string) string {
	name := strings.TrimSpace(filepath.Base(strings.ReplaceAll(declared, "\\", "/")))
	if name == "" || name == "." || name == "/" {
		return unnamedDocument
	}
	return name
}
