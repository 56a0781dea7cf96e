package api

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/ledongthuc/pdf"

	"github.com/kalambet/carllm/internal/storage"
)

const (
	maxServiceRecordSize = 10 << 20 // 10MB
	// maxServiceRecordRunes bounds the text handed to the extractor prompt.
	maxServiceRecordRunes = 20000
)

type createVehicleRequest struct {
	Year    int    `json:"year"`
	Make    string `json:"make"`
	Model   string `json:"model"`
	Mileage int    `json:"mileage"`
}

func handleCreateVehicle(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createVehicleRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Make) == "" || strings.TrimSpace(req.Model) == "" {
			httpError(w, http.StatusBadRequest, "invalid_argument", "make and model are required")
			return
		}
		if req.Year < 0 || req.Mileage < 0 {
			httpError(w, http.StatusBadRequest, "invalid_argument", "year and mileage must not be negative")
			return
		}

		v, err := deps.Store.CreateVehicle(r.Context(), storage.Vehicle{
			UserID:  UserID(r.Context()),
			Year:    req.Year,
			Make:    strings.TrimSpace(req.Make),
			Model:   strings.TrimSpace(req.Model),
			Mileage: req.Mileage,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "internal", "failed to create vehicle: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, newVehicleView(v))
	}
}

func handleListVehicles(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vehicles, err := deps.Store.ListVehicles(r.Context(), UserID(r.Context()))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "internal", "failed to list vehicles: %v", err)
			return
		}
		views := make([]vehicleView, len(vehicles))
		for i, v := range vehicles {
			views[i] = newVehicleView(v)
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleGetVehicle(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := deps.Pipeline.Vehicle(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"))
		if err != nil {
			pipelineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newVehicleView(v))
	}
}

// handleServiceRecord accepts a service invoice as a PDF (or plain text),
// extracts its text and queues a replacement extraction for the vehicle.
func handleServiceRecord(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := UserID(r.Context())
		v, err := deps.Pipeline.Vehicle(r.Context(), uid, chi.URLParam(r, "id"))
		if err != nil {
			pipelineError(w, err)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxServiceRecordSize)
		defer r.Body.Close()
		body, err := io.ReadAll(r.Body)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_argument", "reading body: %v", err)
			return
		}

		var text string
		mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		switch mediaType {
		case "text/plain":
			text = string(body)
		case "application/pdf", "":
			text, err = pdfText(body)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_argument", "reading pdf: %v", err)
				return
			}
		default:
			httpError(w, http.StatusUnsupportedMediaType, "invalid_argument", "unsupported content type %q", mediaType)
			return
		}

		text = truncateRunes(strings.TrimSpace(text), maxServiceRecordRunes)
		if text == "" {
			httpError(w, http.StatusUnprocessableEntity, "invalid_argument", "service record contains no text")
			return
		}

		if err := deps.Enqueuer.ServiceRecord(r.Context(), v.ID, text); err != nil {
			httpError(w, http.StatusInternalServerError, "internal", "failed to queue extraction: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":     "queued",
			"vehicle_id": v.ID,
			"characters": utf8.RuneCountInString(text),
		})
	}
}

// pdfText returns the plain text of every page in a PDF document. The pdf
// package panics on some malformed inputs; those surface as errors.
func pdfText(data []byte) (text string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("malformed pdf: %v", p)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(plain); err != nil {
		return "", fmt.Errorf("extracting text: %w", err)
	}
	return buf.String(), nil
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
