package invoice

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/docker/go-units"
)

// corsError writes an error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	http.Error(w, message, code)
}

// jsonError writes a JSON error body with CORS headers set
func jsonError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// handleCreateBatch accepts one or more "files" parts and starts a batch
func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			jsonError(w, fmt.Sprintf("Upload is too large. Maximum size is %s.", units.HumanSize(float64(s.maxUpload))), http.StatusRequestEntityTooLarge)
			return
		}
		jsonError(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		jsonError(w, "No files were selected. Please choose at least one invoice.", http.StatusBadRequest)
		return
	}

	uploads := make([]Upload, 0, len(headers))
	for _, header := range headers {
		f, err := header.Open()
		if err != nil {
			slog.Error("Error opening uploaded file", "error", err, "filename", header.Filename)
			jsonError(w, "Error reading file. Please try again.", http.StatusInternalServerError)
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			slog.Error("Error reading file data", "error", err, "filename", header.Filename)
			jsonError(w, "Error reading file. Please try again.", http.StatusInternalServerError)
			return
		}
		slog.Debug("Received upload", "filename", header.Filename, "size", units.HumanSize(float64(len(data))))
		uploads = append(uploads, Upload{Filename: filepath.Base(header.Filename), Data: data})
	}

	batch, err := s.service.StartBatch(uploads)
	if err != nil {
		slog.Error("Error starting batch", "error", err)
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusAccepted, batch)
}

// handleListBatches returns every batch
func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := s.service.ListBatches()
	if err != nil {
		slog.Error("Error listing batches", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, batches)
}

// handleGetBatch returns one batch with its working set and messages
func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := s.service.GetBatch(r.PathValue("id"))
	if err != nil {
		corsError(w, "Batch not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

// handleDeleteBatch stops a running batch or deletes a finished one
func (s *Server) handleDeleteBatch(w http.ResponseWriter, r *http.Request) {
	stopped, err := s.service.StopOrDeleteBatch(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, ErrBatchNotFound) {
			corsError(w, "Batch not found", http.StatusNotFound)
			return
		}
		slog.Error("Error deleting batch", "error", err)
		corsError(w, "Error deleting batch", http.StatusInternalServerError)
		return
	}
	if stopped {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type keyRequest struct {
	Key string `json:"key"`
}

// handleListKeys returns masked keys with their usage and cooldown state
func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.KeyStatus())
}

// handleAddKey stores a new API key
func (s *Server) handleAddKey(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	added, err := s.service.AddKey(req.Key)
	if err != nil {
		slog.Error("Error adding key", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if !added {
		jsonError(w, "Key already exists", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusCreated, s.service.KeyStatus())
}

// handleRemoveKey deletes an API key
func (s *Server) handleRemoveKey(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	removed, err := s.service.RemoveKey(req.Key)
	if err != nil {
		slog.Error("Error removing key", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if !removed {
		corsError(w, "Key not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleResetKeys clears cooldowns and usage counters
func (s *Server) handleResetKeys(w http.ResponseWriter, r *http.Request) {
	s.service.ResetKeys()
	writeJSON(w, http.StatusOK, s.service.KeyStatus())
}

// handleListExports returns the saved spreadsheets
func (s *Server) handleListExports(w http.ResponseWriter, r *http.Request) {
	files, err := s.service.ListExports()
	if err != nil {
		slog.Error("Error listing exports", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, files)
}

// handleDownloadExport streams one saved spreadsheet
func (s *Server) handleDownloadExport(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	path, err := s.service.ExportPath(name)
	if err != nil {
		corsError(w, "Export not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeFile(w, r, path)
}
