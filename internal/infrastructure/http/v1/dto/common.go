// Package dto provides Data Transfer Objects for API requests/responses.
package dto

import (
	"markhub/internal/core/id"
)

// ListResponse wraps list results.
type ListResponse[T any] struct {
	Items      []T `json:"items"`
	TotalCount int `json:"totalCount"`
}

// NewListResponse creates a list response; a nil slice becomes empty.
func NewListResponse[T any](items []T) ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{Items: items, TotalCount: len(items)}
}

// IDResponse returns created entity ID.
type IDResponse struct {
	ID string `json:"id"`
}

// NewIDResponse creates ID response.
func NewIDResponse(i id.ID) IDResponse {
	return IDResponse{ID: i.String()}
}

// BulkResponse summarizes a bulk administrative operation.
type BulkResponse struct {
	Affected int `json:"affected"`
	Skipped  int `json:"skipped"`
}

// ErrorResponse for error details.
type ErrorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// CommentRequest carries an optional operator comment.
type CommentRequest struct {
	Comment string `json:"comment" binding:"max=1000"`
}
