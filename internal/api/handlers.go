package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"github.com/starford/drift/internal/service"
)

// Handler holds API route handlers.
type Handler struct {
	svc *service.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *service.Service) *Handler {
	return &Handler{svc: svc}
}

// queryParam returns the raw predicate JSON held in the named query
// parameter, or nil.
func queryParam(r *http.Request, name string) []byte {
	if v := r.URL.Query().Get(name); v != "" {
		return []byte(v)
	}
	return nil
}

// ListModels handles GET /models.
//
//	@Summary		List registered models
//	@Tags			models
//	@Produce		json
//	@Success		200	{object}	ModelListResponse
//	@Security		BearerAuth
//	@Router			/models [get]
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ModelListResponse{Models: h.svc.ListModels(r.Context())})
}

// QueryRecords handles GET /models/{model}/records.
//
//	@Summary		Query records of a model
//	@Tags			records
//	@Produce		json
//	@Param			model	path		string	true	"Model name"
//	@Param			filter	query		string	false	"Predicate JSON"
//	@Param			sort	query		string	false	"Comma separated fields, '-' prefix for descending"
//	@Param			limit	query		int		false	"Page size"
//	@Param			offset	query		int		false	"Offset, a multiple of limit"
//	@Success		200		{object}	RecordListResponse
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/models/{model}/records [get]
func (h *Handler) QueryRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	records, err := h.svc.QueryRecords(r.Context(), chi.URLParam(r, "model"), service.QueryParams{
		Filter: queryParam(r, "filter"),
		Sort:   q.Get("sort"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeError(w, "query records", err)
		return
	}
	writeJSON(w, http.StatusOK, RecordListResponse{Records: records, Count: len(records)})
}

// GetRecord handles GET /models/{model}/records/{id}.
//
//	@Summary		Get a single record
//	@Tags			records
//	@Produce		json
//	@Param			model	path		string	true	"Model name"
//	@Param			id		path		string	true	"Primary key"
//	@Success		200		{object}	RecordView
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/models/{model}/records/{id} [get]
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.GetRecord(r.Context(), chi.URLParam(r, "model"), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get record", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// SaveRecord handles PUT /models/{model}/records/{id}.
//
//	@Summary		Create or replace a record
//	@Tags			records
//	@Accept			json
//	@Produce		json
//	@Param			model	path		string				true	"Model name"
//	@Param			id		path		string				true	"Primary key"
//	@Param			body	body		SaveRecordRequest	true	"Fields and optional condition"
//	@Success		200		{object}	RecordView
//	@Success		201		{object}	RecordView
//	@Failure		400		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/models/{model}/records/{id} [put]
func (h *Handler) SaveRecord(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	var req SaveRecordRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.Fields == nil {
		writeJSON(w, http.StatusBadRequest, errorBody("fields are required"))
		return
	}

	rec, created, err := h.svc.SaveRecord(r.Context(), chi.URLParam(r, "model"), chi.URLParam(r, "id"),
		req.Fields, req.Condition)
	if err != nil {
		writeError(w, "save record", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, rec)
}

// DeleteRecord handles DELETE /models/{model}/records/{id}.
//
//	@Summary		Delete a record and its dependents
//	@Tags			records
//	@Param			model		path	string	true	"Model name"
//	@Param			id			path	string	true	"Primary key"
//	@Param			condition	query	string	false	"Predicate JSON the record must match"
//	@Success		204			"Record deleted, or was not stored"
//	@Failure		404			{object}	errResponse	"Unknown model"
//	@Failure		409			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/models/{model}/records/{id} [delete]
func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	err := h.svc.DeleteRecord(r.Context(), chi.URLParam(r, "model"), chi.URLParam(r, "id"), queryParam(r, "condition"))
	if err != nil {
		writeError(w, "delete record", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteWhere handles DELETE /models/{model}/records.
//
//	@Summary		Delete every record matching a filter
//	@Tags			records
//	@Produce		json
//	@Param			model	path		string	true	"Model name"
//	@Param			filter	query		string	false	"Predicate JSON"
//	@Success		200		{object}	DeleteWhereResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/models/{model}/records [delete]
func (h *Handler) DeleteWhere(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.DeleteWhere(r.Context(), chi.URLParam(r, "model"), queryParam(r, "filter"))
	if err != nil {
		writeError(w, "delete where", err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteWhereResponse{Deleted: n})
}

// Outbox handles GET /outbox.
//
//	@Summary		Pending local mutations
//	@Tags			sync
//	@Produce		json
//	@Success		200	{object}	OutboxStatus
//	@Security		BearerAuth
//	@Router			/outbox [get]
func (h *Handler) Outbox(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Outbox(r.Context())
	if err != nil {
		writeError(w, "outbox", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
