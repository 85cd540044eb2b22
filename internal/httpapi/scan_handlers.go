package httpapi

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"veriscan.app/internal/audit"
	"veriscan.app/internal/obs"
	"veriscan.app/internal/scans"
)

var (
	errImageRequired  = errors.New("image is required")
	errImageNotBase64 = errors.New("image must be base64-encoded")
)

func errInvalidMultipart(err error) error {
	return fmt.Errorf("invalid multipart payload: %v", err)
}

func (a *API) handleScansCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listScans(w, r)
	case http.MethodPost:
		a.createScan(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

type createScanRequest struct {
	ContentRef string  `json:"contentRef"`
	RequestID  string  `json:"requestId"`
	Status     string  `json:"status"`
	Score      float64 `json:"score"`
	Label      string  `json:"label"`
	Note       string  `json:"note"`
}

// createScan ingests a verdict produced outside this service, typically by
// on-device detection. The content fingerprint dedupes retried deliveries:
// a replay answers 200 with the original record instead of a second row.
func (a *API) createScan(w http.ResponseWriter, r *http.Request) {
	sub, ok := a.subjectFor(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req createScanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	status := scans.Status(strings.ToLower(strings.TrimSpace(req.Status)))
	if !status.Valid() {
		writeError(w, r, http.StatusBadRequest, "status must be authentic, flagged, or unverifiable")
		return
	}
	if req.Score < 0 || req.Score > 1 {
		writeError(w, r, http.StatusBadRequest, "score must be between 0 and 1")
		return
	}

	rec, created, err := a.records.InsertIfAbsent(r.Context(), scans.NewRecord{
		SubjectID:  sub.ID,
		ContentRef: strings.TrimSpace(req.ContentRef),
		RequestID:  strings.TrimSpace(req.RequestID),
		Status:     status,
		Score:      req.Score,
		Label:      strings.TrimSpace(req.Label),
		Note:       strings.TrimSpace(req.Note),
	})
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}

	dedup := "new"
	code := http.StatusCreated
	if !created {
		dedup = "replayed"
		code = http.StatusOK
	}
	obs.IncScanRecord(string(rec.Status), dedup)

	_ = audit.LogEvent(r.Context(), "scan.create", map[string]any{
		"subject_id": sub.ID,
		"scan_id":    rec.ScanID,
		"status":     string(rec.Status),
		"replayed":   !created,
	})

	writeJSON(w, code, rec)
}

func (a *API) listScans(w http.ResponseWriter, r *http.Request) {
	sub, ok := a.subjectFor(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	limit := parsePositiveInt(r.URL.Query().Get("limit"), 50, 1, 200)
	cursor := parseCursor(r.URL.Query().Get("cursor"))

	items, next, err := a.records.List(r.Context(), sub.ID, limit, cursor)
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	if items == nil {
		items = []scans.ScanRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":      items,
		"nextCursor": next,
	})
}

type patchScanRequest struct {
	Label *string `json:"label"`
	Note  *string `json:"note"`
}

// handleScanResource patches one record: PATCH /v1/scans/{scanId}.
func (a *API) handleScanResource(w http.ResponseWriter, r *http.Request) {
	scanID := strings.TrimPrefix(r.URL.Path, "/v1/scans/")
	if scanID == "" || strings.Contains(scanID, "/") {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPatch {
		methodNotAllowed(w, r, http.MethodPatch)
		return
	}
	sub, ok := a.subjectFor(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req patchScanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Label == nil && req.Note == nil {
		writeError(w, r, http.StatusBadRequest, "label or note is required")
		return
	}

	rec, err := a.records.Update(r.Context(), sub.ID, scanID, scans.Patch{
		Label: req.Label,
		Note:  req.Note,
	})
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "scan.update", map[string]any{
		"subject_id": sub.ID,
		"scan_id":    rec.ScanID,
	})

	writeJSON(w, http.StatusOK, rec)
}

type analyzeScanRequest struct {
	Image       string `json:"image"` // base64-encoded payload
	ContentType string `json:"contentType"`
	Label       string `json:"label"`
	DeviceID    string `json:"deviceId"`
}

// handleScanAnalyze runs the full server-side pipeline: spend a token,
// stage the payload, score it, record the verdict. Accepts JSON with a
// base64 image or multipart/form-data with an image part.
func (a *API) handleScanAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	sub, ok := a.subjectFor(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	content, contentType, label, deviceID, err := readAnalyzePayload(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.scans.Analyze(r.Context(), scans.AnalyzeInput{
		Subject:     sub,
		DeviceID:    deviceID,
		RequestID:   RequestIDFromContext(r.Context()),
		Content:     content,
		ContentType: contentType,
		Label:       label,
	})
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "scan.analyze", map[string]any{
		"subject_id": sub.ID,
		"scan_id":    res.Record.ScanID,
		"status":     string(res.Record.Status),
		"replayed":   res.Deduplicated,
	})

	code := http.StatusCreated
	if res.Deduplicated {
		code = http.StatusOK
	}
	writeJSON(w, code, map[string]any{
		"record":       res.Record,
		"tokenBalance": res.TokenBalance,
	})
}

func readAnalyzePayload(r *http.Request) (content []byte, contentType, label, deviceID string, err error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			return nil, "", "", "", errInvalidMultipart(err)
		}
		file, header, ferr := r.FormFile("image")
		if ferr != nil {
			return nil, "", "", "", errImageRequired
		}
		defer file.Close()
		content, err = io.ReadAll(file)
		if err != nil {
			return nil, "", "", "", errInvalidMultipart(err)
		}
		return content, header.Header.Get("Content-Type"),
			strings.TrimSpace(r.FormValue("label")),
			strings.TrimSpace(r.FormValue("deviceId")), nil
	}

	var req analyzeScanRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, "", "", "", err
	}
	if strings.TrimSpace(req.Image) == "" {
		return nil, "", "", "", errImageRequired
	}
	content, err = base64.StdEncoding.DecodeString(req.Image)
	if err != nil {
		return nil, "", "", "", errImageNotBase64
	}
	return content, strings.TrimSpace(req.ContentType),
		strings.TrimSpace(req.Label),
		strings.TrimSpace(req.DeviceID), nil
}
