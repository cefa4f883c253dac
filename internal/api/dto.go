package api

import (
	json "github.com/goccy/go-json"

	"github.com/starford/drift/internal/service"
)

// SaveRecordRequest is the body of PUT /models/{model}/records/{id}.
type SaveRecordRequest struct {
	Fields map[string]any `json:"fields" validate:"required"`
	// Condition is a predicate that must hold for the stored record.
	Condition json.RawMessage `json:"condition,omitempty" swaggertype:"object"`
}

// RecordView is a record in API responses.
type RecordView = service.RecordView

// ModelInfo describes a registered model.
type ModelInfo = service.ModelInfo

// OutboxStatus is the GET /outbox response.
type OutboxStatus = service.OutboxStatus

// RecordListResponse wraps record listings.
type RecordListResponse struct {
	Records []RecordView `json:"records" validate:"required"`
	Count   int          `json:"count" example:"42" validate:"required"`
}

// ModelListResponse wraps the model listing.
type ModelListResponse struct {
	Models []ModelInfo `json:"models" validate:"required"`
}

// DeleteWhereResponse reports a bulk delete.
type DeleteWhereResponse struct {
	Deleted int `json:"deleted" example:"3" validate:"required"`
}
