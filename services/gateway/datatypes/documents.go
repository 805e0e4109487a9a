// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// Document is a member of a tenant's retrieval collection.
//
// # Description
//
// Documents are created by an upload, removed by an explicit delete and never
// changed in place. Any operation on a document id must first confirm that the
// id belongs to the caller's own collection.
type Document struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	SizeBytes int64  `json:"sizeBytes"`
	CreatedAt int64  `json:"createdAt"`
	Status    string `json:"status"`
}

// Entitlement is derived per call from the caller's identity and metadata.
type Entitlement struct {
	HasQualifyingPlan bool  `json:"hasQualifyingPlan"`
	FileQuota         int   `json:"filesLimit"`
	StorageQuotaBytes int64 `json:"totalStorageLimit"`
}

// DocumentListing is the response of the document list endpoint.
type DocumentListing struct {
	Documents          []Document  `json:"documents"`
	UsedBytes          int64       `json:"usedBytes"`
	SubscriptionStatus string      `json:"subscriptionStatus"`
	Entitlement        Entitlement `json:"entitlement"`
}

// DeleteDocumentRequest is the body of the document delete endpoint.
type DeleteDocumentRequest struct {
	FileID string `json:"fileId" validate:"required,resourceid"`
}

// Validate checks field constraints.
func (r *DeleteDocumentRequest) Validate() error {
	return chatValidate.Struct(r)
}

// InstructionsRequest is the body of the custom instructions save endpoint.
type InstructionsRequest struct {
	Instructions string `json:"instructions"`
}

// InstructionsResponse is returned by both custom instructions endpoints.
type InstructionsResponse struct {
	Instructions string `json:"instructions"`
}
