package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"zimage_gateway/db"
	"zimage_gateway/metrics"
	"zimage_gateway/sdapi"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// multipartMemory is how much of an upload ParseMultipartForm keeps in
// memory before spilling to temp files.
const multipartMemory = 8 << 20

// generationRequest is what every generation handler hands to generate.
type generationRequest interface {
	Payload() sdapi.Payload
	Endpoint() string
	Kind() string
}

func (s *Server) defaults() sdapi.GenerationParams {
	return sdapi.DefaultParams(s.backend.Config())
}

// handleTxt2Img handles POST /api/v1/txt2img. Omitted fields take the
// configured defaults.
func (s *Server) handleTxt2Img(w http.ResponseWriter, r *http.Request) {
	req := sdapi.Txt2ImgRequest{GenerationParams: s.defaults()}

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			s.writeErr(w, err)
			return
		}
		s.writeErr(w, badRequest("invalid JSON body: "+err.Error()))
		return
	}
	if err := s.validator.Validate(req); err != nil {
		s.writeErr(w, err)
		return
	}
	s.generate(w, r, req, req.GenerationParams)
}

// handleImg2Img handles POST /api/v1/img2img (multipart: fields + image).
func (s *Server) handleImg2Img(w http.ResponseWriter, r *http.Request) {
	values, files, err := s.readMultipart(w, r, "image")
	if err != nil {
		s.writeErr(w, err)
		return
	}
	req, err := sdapi.ParseImg2ImgForm(values, s.defaults())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	req.Image = files["image"]

	if err := s.validator.Validate(req); err != nil {
		s.writeErr(w, err)
		return
	}
	s.generate(w, r, req, req.GenerationParams)
}

// handleInpaint handles POST /api/v1/inpaint (multipart: fields + image +
// mask). It is submitted to the backend's img2img endpoint.
func (s *Server) handleInpaint(w http.ResponseWriter, r *http.Request) {
	values, files, err := s.readMultipart(w, r, "image", "mask")
	if err != nil {
		s.writeErr(w, err)
		return
	}
	req, err := sdapi.ParseInpaintForm(values, s.defaults())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	req.Image = files["image"]
	req.Mask = files["mask"]

	if err := s.validator.Validate(req); err != nil {
		s.writeErr(w, err)
		return
	}
	s.generate(w, r, req, req.GenerationParams)
}

// readMultipart parses a bounded multipart body and reads the named files
// fully into memory.
func (s *Server) readMultipart(w http.ResponseWriter, r *http.Request, fileFields ...string) (sdapi.FormValues, map[string][]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, nil, err
		}
		return nil, nil, badRequest("invalid multipart body: " + err.Error())
	}
	defer r.MultipartForm.RemoveAll()

	files := make(map[string][]byte, len(fileFields))
	for _, field := range fileFields {
		f, _, err := r.FormFile(field)
		if err != nil {
			return nil, nil, badRequest(fmt.Sprintf("%s file is required", field))
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, nil, badRequest(fmt.Sprintf("reading %s: %v", field, err))
		}
		files[field] = data
	}
	return sdapi.FormValues(r.MultipartForm.Value), files, nil
}

// generate forwards req, records the attempt and writes the result.
func (s *Server) generate(w http.ResponseWriter, r *http.Request, req generationRequest, params sdapi.GenerationParams) {
	ctx := r.Context()
	start := time.Now()

	resp, err := s.generator.Generate(ctx, req.Endpoint(), req.Payload())

	rec := db.Generation{
		RequestID:      RequestIDFromContext(ctx),
		Kind:           req.Kind(),
		Prompt:         params.Prompt,
		NegativePrompt: params.NegativePrompt,
		Width:          params.Width,
		Height:         params.Height,
		Steps:          params.Steps,
		CFGScale:       params.CFGScale,
		Seed:           params.Seed,
		BatchSize:      params.BatchSize,
		DurationMS:     time.Since(start).Milliseconds(),
		CreatedAt:      start,
	}
	if err != nil {
		rec.StatusCode = statusFor(err)
		rec.ErrorDetail = detailOf(err)
		s.record(rec)

		s.logger.Warn("generation failed",
			zap.String("kind", req.Kind()),
			zap.Int("status", rec.StatusCode),
			zap.String("request_id", rec.RequestID),
			zap.Error(err),
		)
		s.writeErr(w, err)
		return
	}

	rec.StatusCode = http.StatusOK
	rec.ImageCount = len(resp.Images)
	s.record(rec)

	s.logger.Info("generation complete",
		zap.String("kind", req.Kind()),
		zap.Int("images", rec.ImageCount),
		zap.Int64("duration_ms", rec.DurationMS),
		zap.String("request_id", rec.RequestID),
	)
	s.writeJSON(w, http.StatusOK, resp)
}

// record stores a finished generation in history and, when enabled, the
// metrics store.
func (s *Server) record(rec db.Generation) {
	s.history.Record(rec)
	if s.metrics == nil {
		return
	}
	s.metrics.Record(metrics.Generation{
		RequestID:  rec.RequestID,
		Kind:       rec.Kind,
		StatusCode: rec.StatusCode,
		Images:     rec.ImageCount,
		Duration:   time.Duration(rec.DurationMS) * time.Millisecond,
		At:         rec.CreatedAt,
	})
}

// listHandler serves one of the backend listings verbatim.
func listHandler[T any](s *Server, fetch func(context.Context) ([]T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := fetch(r.Context())
		if err != nil {
			s.writeErr(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, items)
	}
}

// handleHealth handles GET /api/v1/health. It always answers 200; a stopped
// backend is reported as degraded.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	cfg := s.backend.Config()
	running := s.backend.IsRunning()

	resp := sdapi.HealthResponse{
		Status:          lo.Ternary(running, sdapi.StatusOK, sdapi.StatusDegraded),
		SDServer:        lo.Ternary(running, sdapi.BackendRunning, sdapi.BackendStopped),
		Model:           cfg.ModelName(),
		DefaultWidth:    cfg.DefaultWidth,
		DefaultHeight:   cfg.DefaultHeight,
		DefaultSteps:    cfg.DefaultSteps,
		DefaultCFGScale: cfg.DefaultCFGScale,
	}
	if running {
		resp.PID = s.backend.PID()
		resp.UptimeSeconds = s.backend.Uptime().Seconds()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// HistoryResponse is the body of GET /api/v1/history.
type HistoryResponse struct {
	Generations []db.Generation `json:"generations"`
	Count       int             `json:"count"`
	Limit       int             `json:"limit"`
}

// handleHistory handles GET /api/v1/history.
// Query parameters:
// - limit: number of records to return (default: 20, max: 100)
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := db.DefaultHistoryLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	limit = db.ClampLimit(limit)

	items, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("history query failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	if items == nil {
		items = []db.Generation{}
	}
	s.writeJSON(w, http.StatusOK, HistoryResponse{Generations: items, Count: len(items), Limit: limit})
}

// handleMetrics handles GET /api/v1/metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}
