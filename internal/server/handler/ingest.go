package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/alanyoungcy/brokersync/internal/domain"
	"github.com/alanyoungcy/brokersync/internal/service"
)

// IngestService defines the upload paths the ingest handler needs.
type IngestService interface {
	ImportCSV(ctx context.Context, id uuid.UUID, filename string, r io.Reader) (service.ImportResult, error)
	PushEA(ctx context.Context, push service.EATrade) (domain.SyncLog, error)
}

// IngestHandler serves CSV imports and expert-advisor pushes.
type IngestHandler struct {
	ingest   IngestService
	maxBytes int64
	logger   *slog.Logger
}

// NewIngestHandler creates an IngestHandler. maxBytes caps an upload body.
func NewIngestHandler(ingest IngestService, maxBytes int64, logger *slog.Logger) *IngestHandler {
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	return &IngestHandler{ingest: ingest, maxBytes: maxBytes, logger: logHandler(logger, "ingest")}
}

// ImportCSV accepts a broker export either as multipart field "file" or as
// a raw text/csv body.
// POST /api/connections/{id}/import
func (h *IngestHandler) ImportCSV(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)

	body, filename, err := h.upload(r)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer body.Close()

	res, err := h.ingest.ImportCSV(r.Context(), id, filename, body)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"format":  res.Format,
		"rows":    res.Rows,
		"skipped": res.Skipped,
		"archive": res.Archive,
		"log":     toSyncLogView(res.Log),
	})
}

func (h *IngestHandler) upload(r *http.Request) (io.ReadCloser, string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		name := r.URL.Query().Get("filename")
		if name == "" {
			name = "upload.csv"
		}
		return r.Body, name, nil
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		return nil, "", err
	}
	return f, hdr.Filename, nil
}

// PushEA ingests one closed trade from an MT4/MT5 expert advisor. The
// connection's EA token authenticates it, in the body or X-EA-Token.
// POST /api/ea/push
func (h *IngestHandler) PushEA(w http.ResponseWriter, r *http.Request) {
	var push service.EATrade
	if err := decodeJSON(r, &push); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if push.Token == "" {
		push.Token = strings.TrimSpace(r.Header.Get("X-EA-Token"))
	}
	log, err := h.ingest.PushEA(r.Context(), push)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toSyncLogView(log))
}
