package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"quarry/api/internal/auth"
	"quarry/api/internal/search"
	"quarry/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		limiters:   make(map[string]*rate.Limiter),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup" {
		s.handleAuthSignUp(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		s.handleAuthSignIn(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/refresh" {
		s.handleAuthRefresh(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/logout" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Auth().Logout(r.Context(), body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userName":      session.UserName,
			"userId":        session.UserID,
			"expiresAt":     session.ExpiresAt.Unix(),
		})
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		if !s.allowSearch(session.UserID) {
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many search requests", nil)
			return
		}
		query := search.Query{
			Text:          strings.TrimSpace(r.URL.Query().Get("q")),
			ProjectID:     strings.TrimSpace(r.URL.Query().Get("projectId")),
			IncludeFields: r.URL.Query().Get("includeFields") == "true",
			ExcludeID:     strings.TrimSpace(r.URL.Query().Get("excludeId")),
		}
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
				return
			}
			query.Limit = parsed
		}
		payload, err := s.service.Search(r.Context(), query)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.URL.Path == "/api/projects" {
		if r.Method == http.MethodGet {
			items, err := s.service.ListProjects(r.Context())
			if err != nil {
				writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not list projects", nil)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"projects": projectPayloads(items)})
			return
		}
		if r.Method == http.MethodPost {
			var body struct {
				Name        string `json:"name"`
				Description string `json:"description"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			project, err := s.service.CreateProject(r.Context(), body.Name, body.Description)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, projectPayload(project))
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if r.URL.Path == "/api/definitions" {
		if r.Method == http.MethodGet {
			items, err := s.service.ListDefinitions(r.Context())
			if err != nil {
				writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not list definitions", nil)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"definitions": definitionPayloads(items)})
			return
		}
		if r.Method == http.MethodPost {
			var body struct {
				Name   string              `json:"name"`
				Fields []store.FieldSchema `json:"fields"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			def, err := s.service.CreateDefinition(r.Context(), body.Name, body.Fields)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, definitionPayload(def))
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/records" {
		var body struct {
			DefinitionID string         `json:"definitionId"`
			UniqueName   string         `json:"uniqueName"`
			Data         map[string]any `json:"data"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		record, err := s.service.CreateRecord(r.Context(), body.DefinitionID, body.UniqueName, body.Data)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, recordPayload(record))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/references" {
		var body CreateReferenceInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		ref, err := s.service.CreateReference(r.Context(), body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, referencePayload(ref))
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/resolve" {
		recordID := strings.TrimSpace(r.URL.Query().Get("recordId"))
		fieldKey := strings.TrimSpace(r.URL.Query().Get("fieldKey"))
		if recordID == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "recordId is required", nil)
			return
		}
		payload, err := s.service.ResolveRecordField(r.Context(), recordID, fieldKey)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "projects" {
		s.handleProject(w, r, parts)
		return
	}

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "nodes" {
		s.handleNode(w, r, parts[2])
		return
	}

	if len(parts) == 4 && parts[0] == "api" && parts[1] == "nodes" && parts[3] == "move" && r.Method == http.MethodPost {
		var body struct {
			ParentID  *string `json:"parentId"`
			SortOrder int     `json:"sortOrder"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		node, err := s.service.MoveWorkflowNode(r.Context(), parts[2], body.ParentID, body.SortOrder)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, nodePayload(node))
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "definitions" {
		s.handleDefinition(w, r, parts)
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "records" {
		s.handleRecord(w, r, parts)
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "references" {
		s.handleReference(w, r, parts)
		return
	}

	if len(parts) >= 4 && parts[0] == "api" && parts[1] == "tasks" && parts[3] == "description" {
		s.handleDescription(w, r, session, parts)
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "attachments" {
		s.handleAttachment(w, r, parts)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleProject(w http.ResponseWriter, r *http.Request, parts []string) {
	projectID := parts[2]

	if len(parts) == 3 {
		if r.Method == http.MethodGet {
			project, err := s.service.GetProject(r.Context(), projectID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, projectPayload(project))
			return
		}
		if r.Method == http.MethodDelete {
			if err := s.service.DeleteProject(r.Context(), projectID); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if len(parts) == 4 && parts[3] == "tree" && r.Method == http.MethodGet {
		tree, err := s.service.ProjectTree(r.Context(), projectID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tree": treePayloads(tree)})
		return
	}

	if len(parts) == 4 && parts[3] == "nodes" && r.Method == http.MethodPost {
		var body struct {
			ParentID *string `json:"parentId"`
			Kind     string  `json:"kind"`
			Name     string  `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		node, err := s.service.CreateWorkflowNode(r.Context(), projectID, body.ParentID, store.NodeKind(body.Kind), body.Name)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, nodePayload(node))
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleNode(w http.ResponseWriter, r *http.Request, nodeID string) {
	if r.Method == http.MethodPut {
		var body struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		node, err := s.service.UpdateWorkflowNode(r.Context(), nodeID, body.Name, body.Status)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, nodePayload(node))
		return
	}

	if r.Method == http.MethodDelete {
		if err := s.service.DeleteWorkflowNode(r.Context(), nodeID); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func (s *HTTPServer) handleDefinition(w http.ResponseWriter, r *http.Request, parts []string) {
	definitionID := parts[2]

	if len(parts) == 3 {
		if r.Method == http.MethodGet {
			def, err := s.service.GetDefinition(r.Context(), definitionID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, definitionPayload(def))
			return
		}
		if r.Method == http.MethodPut {
			var body struct {
				Name   string              `json:"name"`
				Fields []store.FieldSchema `json:"fields"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			def, err := s.service.UpdateDefinition(r.Context(), definitionID, body.Name, body.Fields)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, definitionPayload(def))
			return
		}
		if r.Method == http.MethodDelete {
			if err := s.service.DeleteDefinition(r.Context(), definitionID); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if len(parts) == 4 && parts[3] == "records" && r.Method == http.MethodGet {
		items, err := s.service.ListRecords(r.Context(), definitionID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not list records", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"records": recordPayloads(items)})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleRecord(w http.ResponseWriter, r *http.Request, parts []string) {
	recordID := parts[2]

	if len(parts) == 3 {
		if r.Method == http.MethodGet {
			record, err := s.service.GetRecord(r.Context(), recordID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, recordPayload(record))
			return
		}
		if r.Method == http.MethodPut {
			var body struct {
				UniqueName string         `json:"uniqueName"`
				Data       map[string]any `json:"data"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			record, err := s.service.UpdateRecord(r.Context(), recordID, body.UniqueName, body.Data)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, recordPayload(record))
			return
		}
		if r.Method == http.MethodDelete {
			if err := s.service.DeleteRecord(r.Context(), recordID); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if len(parts) == 5 && parts[3] == "fields" && r.Method == http.MethodPut {
		fieldKey := parts[4]
		var body struct {
			Value any `json:"value"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if r.URL.Query().Get("autosave") == "true" {
			s.service.ScheduleFieldSave(recordID, fieldKey, body.Value, nil)
			writeJSON(w, http.StatusAccepted, map[string]any{"scheduled": true})
			return
		}
		if err := s.service.UpdateRecordField(r.Context(), recordID, fieldKey, body.Value); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if len(parts) == 6 && parts[3] == "fields" && parts[5] == "attachment" && r.Method == http.MethodPost {
		s.handleUpload(w, r, recordID, parts[4])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request, recordID, fieldKey string) {
	// 32 MiB in memory, the rest spills to disk.
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "expected multipart form data", nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "file part is required", nil)
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	attachment, err := s.service.UploadAttachment(r.Context(), recordID, fieldKey, header.Filename, contentType, header.Size, file)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":          attachment.ID,
		"recordId":    attachment.RecordID,
		"fieldKey":    attachment.FieldKey,
		"fileName":    attachment.FileName,
		"contentType": attachment.ContentType,
		"size":        attachment.Size,
	})
}

func (s *HTTPServer) handleReference(w http.ResponseWriter, r *http.Request, parts []string) {
	referenceID := parts[2]

	if len(parts) == 3 {
		if r.Method == http.MethodGet {
			ref, err := s.service.GetReference(r.Context(), referenceID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, referencePayload(ref))
			return
		}
		if r.Method == http.MethodDelete {
			if err := s.service.DeleteReference(r.Context(), referenceID); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if len(parts) == 4 && parts[3] == "resolve" && r.Method == http.MethodGet {
		payload, err := s.service.ResolveReference(r.Context(), referenceID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(parts) == 4 && parts[3] == "mode" && r.Method == http.MethodPut {
		var body struct {
			Mode       string `json:"mode"`
			Resnapshot bool   `json:"resnapshot"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		ref, err := s.service.UpdateReferenceMode(r.Context(), referenceID, store.ReferenceMode(body.Mode), body.Resnapshot)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, referencePayload(ref))
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleDescription(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	taskID := parts[2]

	if len(parts) == 4 {
		if r.Method == http.MethodGet {
			if hash := strings.TrimSpace(r.URL.Query().Get("rev")); hash != "" {
				doc, err := s.service.DescriptionAt(r.Context(), taskID, hash)
				if err != nil {
					status, code, message, details := mapError(err)
					writeError(w, status, code, message, details)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"doc": doc, "rev": hash})
				return
			}
			doc, err := s.service.Description(r.Context(), taskID)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					writeJSON(w, http.StatusOK, map[string]any{"contextId": taskID, "doc": nil})
					return
				}
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"contextId": doc.ContextID,
				"doc":       doc.Doc,
				"updatedBy": doc.UpdatedBy,
				"updatedAt": doc.UpdatedAt,
			})
			return
		}
		if r.Method == http.MethodPut {
			var body struct {
				Doc json.RawMessage `json:"doc"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if r.URL.Query().Get("autosave") == "true" {
				s.service.ScheduleDescriptionSave(session, taskID, body.Doc, nil)
				writeJSON(w, http.StatusAccepted, map[string]any{"scheduled": true})
				return
			}
			saved, err := s.service.SaveDescription(r.Context(), session, taskID, body.Doc)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, saved)
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if len(parts) == 5 && parts[4] == "history" && r.Method == http.MethodGet {
		limit := 50
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
				limit = parsed
			}
		}
		revisions, err := s.service.DescriptionHistory(r.Context(), taskID, limit)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"revisions": revisions})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleAttachment(w http.ResponseWriter, r *http.Request, parts []string) {
	attachmentID := parts[2]

	if len(parts) == 4 && parts[3] == "url" && r.Method == http.MethodGet {
		url, err := s.service.AttachmentURL(r.Context(), attachmentID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"url": url})
		return
	}

	if len(parts) == 3 && r.Method == http.MethodDelete {
		if err := s.service.DeleteAttachment(r.Context(), attachmentID); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// allowSearch rate-limits the search endpoint per authenticated user.
func (s *HTTPServer) allowSearch(userID string) bool {
	s.limiterMu.Lock()
	limiter, ok := s.limiters[userID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(s.service.cfg.SearchRateLimit), s.service.cfg.SearchRateBurst)
		s.limiters[userID] = limiter
	}
	s.limiterMu.Unlock()
	return limiter.Allow()
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) handleAuthSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	user, pair, err := s.service.Auth().SignUp(r.Context(), body.Email, body.Password, body.DisplayName)
	if err != nil {
		if errors.Is(err, auth.ErrEmailTaken) {
			writeError(w, http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
			return
		}
		if errors.Is(err, auth.ErrWeakPassword) {
			writeError(w, http.StatusUnprocessableEntity, "WEAK_PASSWORD", "Password must be at least 8 characters", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "SIGNUP_FAILED", err.Error(), nil)
		return
	}

	writeJSON(w, http.StatusCreated, tokenPayload(user, pair))
}

func (s *HTTPServer) handleAuthSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	user, pair, err := s.service.Auth().SignIn(r.Context(), body.Email, body.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
		return
	}
	writeJSON(w, http.StatusOK, tokenPayload(user, pair))
}

func (s *HTTPServer) handleAuthRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	user, pair, err := s.service.Auth().Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
		return
	}
	writeJSON(w, http.StatusOK, tokenPayload(user, pair))
}

func tokenPayload(user store.User, pair auth.TokenPair) map[string]any {
	return map[string]any{
		"userId":       user.ID,
		"userName":     user.DisplayName,
		"accessToken":  pair.AccessToken,
		"refreshToken": pair.RefreshToken,
		"expiresAt":    pair.AccessExpiresAt.Unix(),
	}
}

func projectPayload(p store.Project) map[string]any {
	return map[string]any{
		"id":          p.ID,
		"name":        p.Name,
		"description": p.Description,
		"createdAt":   p.CreatedAt,
		"updatedAt":   p.UpdatedAt,
	}
}

func projectPayloads(items []store.Project) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, p := range items {
		out = append(out, projectPayload(p))
	}
	return out
}

func nodePayload(n store.WorkflowNode) map[string]any {
	return map[string]any{
		"id":        n.ID,
		"projectId": n.ProjectID,
		"parentId":  n.ParentID,
		"kind":      n.Kind,
		"name":      n.Name,
		"status":    n.Status,
	}
}

func treePayloads(nodes []store.WorkflowTreeNode) []map[string]any {
	out := make([]map[string]any, 0, len(nodes))
	for _, node := range nodes {
		payload := nodePayload(node.WorkflowNode)
		payload["children"] = treePayloads(node.Children)
		out = append(out, payload)
	}
	return out
}

func definitionPayload(d store.Definition) map[string]any {
	return map[string]any{
		"id":     d.ID,
		"name":   d.Name,
		"fields": d.Fields,
	}
}

func definitionPayloads(items []store.Definition) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, d := range items {
		out = append(out, definitionPayload(d))
	}
	return out
}

func recordPayload(rec store.Record) map[string]any {
	return map[string]any{
		"id":             rec.ID,
		"definitionId":   rec.DefinitionID,
		"definitionName": rec.DefinitionName,
		"uniqueName":     rec.UniqueName,
		"data":           rec.Data,
		"updatedAt":      rec.UpdatedAt,
	}
}

func recordPayloads(items []store.Record) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, rec := range items {
		out = append(out, recordPayload(rec))
	}
	return out
}

func referencePayload(ref store.Reference) map[string]any {
	return map[string]any{
		"id":             ref.ID,
		"contextId":      ref.ContextID,
		"sourceRecordId": ref.SourceRecordID,
		"targetFieldKey": ref.TargetFieldKey,
		"mode":           ref.Mode,
		"snapshot":       ref.Snapshot,
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
