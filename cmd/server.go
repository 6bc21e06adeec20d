package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/solicitation-watch/internal/channel"
	"github.com/sells-group/solicitation-watch/internal/ingest"
	"github.com/sells-group/solicitation-watch/internal/model"
	"github.com/sells-group/solicitation-watch/internal/notify"
	"github.com/sells-group/solicitation-watch/internal/pipeline"
	"github.com/sells-group/solicitation-watch/internal/store"
)

const maxJSONBody = 1 << 20

// api holds the handlers' dependencies.
type api struct {
	env    *appEnv
	run    channel.Runner
	email  *channel.EmailAdapter
	sms    *channel.SMSAdapter
	upload *channel.UploadAdapter
}

// buildRouter mounts the webhook, upload and submission routes. Triggered
// work is detached through env.Triggers so it outlives the request.
func buildRouter(env *appEnv, allowedOrigins []string) http.Handler {
	a := &api{env: env, run: env.Triggers.Go}
	a.email, a.sms, a.upload = env.adapters(a.run)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", a.health)

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/email", a.emailWebhook)
		r.Post("/sms", a.smsWebhook)
	})
	r.Post("/uploads", a.uploadDocument)

	r.Route("/submissions", func(r chi.Router) {
		r.Get("/", a.listSubmissions)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", a.getSubmission)
			r.Post("/comments", a.addComment)
			r.Post("/reclassify", a.reclassify)
			r.Post("/capture", a.capture)
			r.Post("/reports", a.sendReport)
		})
	})

	r.Mount("/blobs", http.StripPrefix("/blobs", env.Blobs.Handler()))
	return r
}

// requestLogger logs one line per request with zap.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(v)
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if p, ok := a.env.Store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"ocr":      a.env.OCR != nil,
		"capture":  a.env.Capture != nil,
		"reports":  a.env.Reporter != nil,
		"breakers": a.env.Breakers.States(),
	})
}

// ingestStatus maps an ingest result to a response code. Duplicates are
// acknowledged with 200 so providers do not redeliver them.
func ingestStatus(res ingest.Result) int {
	switch {
	case res.OK:
		return http.StatusCreated
	case res.Error == ingest.ErrorDuplicate:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

func (a *api) emailWebhook(w http.ResponseWriter, r *http.Request) {
	var p channel.EmailPayload
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(p.Text) == "" && strings.TrimSpace(p.HTML) == "" {
		writeError(w, http.StatusBadRequest, "text or html is required")
		return
	}
	res := a.email.Handle(r.Context(), p)
	writeJSON(w, ingestStatus(res), res)
}

// smsWebhook accepts the provider's form post and answers with empty TwiML,
// or a JSON payload answered with the ingest result.
func (a *api) smsWebhook(w http.ResponseWriter, r *http.Request) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		var p channel.SMSPayload
		if err := decodeJSON(r, &p); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		res := a.sms.Handle(r.Context(), p)
		writeJSON(w, ingestStatus(res), res)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	res := a.sms.Handle(r.Context(), channel.ParseTwilioForm(r.PostForm))
	if status := ingestStatus(res); status == http.StatusInternalServerError {
		http.Error(w, res.Error, status)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "<Response></Response>")
}

// uploadDocument accepts a JSON body with a data URL or a multipart form
// with a "file" part.
func (a *api) uploadDocument(w http.ResponseWriter, r *http.Request) {
	if a.upload == nil {
		writeError(w, http.StatusServiceUnavailable, "ocr is not configured")
		return
	}
	limit := int64(cfg.Server.MaxUploadMB)<<20 + 1<<20

	var p channel.UploadPayload
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "multipart/form-data" {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		if err := r.ParseMultipartForm(limit); err != nil {
			writeError(w, http.StatusBadRequest, "invalid multipart body")
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "file is required")
			return
		}
		defer file.Close() //nolint:errcheck
		data, err := io.ReadAll(file)
		if err != nil {
			writeError(w, http.StatusBadRequest, "read file")
			return
		}
		p = channel.UploadPayload{
			SubmissionID: r.FormValue("submission_id"),
			Data:         data,
			MediaType:    header.Header.Get("Content-Type"),
			SenderID:     r.FormValue("sender_id"),
			MessageType:  r.FormValue("message_type"),
		}
	} else if err := json.NewDecoder(io.LimitReader(r.Body, limit*2)).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res := a.upload.Handle(r.Context(), p)
	switch {
	case res.OK:
		writeJSON(w, http.StatusCreated, res)
	case res.DuplicateOf != "":
		writeJSON(w, http.StatusOK, res)
	case res.SubmissionID == "" || res.OCR == nil:
		writeJSON(w, http.StatusBadRequest, res)
	default:
		writeJSON(w, http.StatusBadGateway, res)
	}
}

func (a *api) listSubmissions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.SubmissionFilter{
		Status:     model.ProcessingStatus(q.Get("status")),
		PublicOnly: q.Get("all") != "true",
		Limit:      50,
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 && v <= 500 {
		filter.Limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil && v > 0 {
		filter.Offset = v
	}
	subs, err := a.env.Store.ListSubmissions(r.Context(), filter)
	if err != nil {
		zap.L().Error("list submissions", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list submissions failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"submissions": subs, "count": len(subs)})
}

// loadSubmission writes a 404 and returns nil when id is unknown.
func (a *api) loadSubmission(w http.ResponseWriter, r *http.Request) *model.Submission {
	id := chi.URLParam(r, "id")
	sub, err := a.env.Store.GetSubmission(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "submission not found")
		return nil
	}
	if err != nil {
		zap.L().Error("get submission", zap.String("submission_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "get submission failed")
		return nil
	}
	return sub
}

func (a *api) getSubmission(w http.ResponseWriter, r *http.Request) {
	sub := a.loadSubmission(w, r)
	if sub == nil {
		return
	}
	ctx := r.Context()
	violations, err := a.env.Store.ListViolations(ctx, sub.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list violations failed")
		return
	}
	comments, err := a.env.Store.ListComments(ctx, sub.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list comments failed")
		return
	}
	reports, err := a.env.Store.ListReports(ctx, sub.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list reports failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"submission": sub,
		"violations": violations,
		"comments":   comments,
		"reports":    reports,
	})
}

// accepted starts fn detached and answers 202.
func (a *api) accepted(w http.ResponseWriter, name, id string, fn func(ctx context.Context) []pipeline.TaskError) {
	a.run(name, fn)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "submission_id": id})
}

func (a *api) addComment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	sub := a.loadSubmission(w, r)
	if sub == nil {
		return
	}
	a.accepted(w, "comment", sub.ID, func(ctx context.Context) []pipeline.TaskError {
		return a.env.Triggers.OnReviewerComment(ctx, sub.ID, req.Content)
	})
}

func (a *api) reclassify(w http.ResponseWriter, r *http.Request) {
	sub := a.loadSubmission(w, r)
	if sub == nil {
		return
	}
	a.accepted(w, "reclassify", sub.ID, func(ctx context.Context) []pipeline.TaskError {
		return a.env.Triggers.Reclassify(ctx, sub.ID)
	})
}

func (a *api) capture(w http.ResponseWriter, r *http.Request) {
	if a.env.Capture == nil {
		writeError(w, http.StatusServiceUnavailable, "landing capture is not configured")
		return
	}
	var req struct {
		URL string `json:"url"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	sub := a.loadSubmission(w, r)
	if sub == nil {
		return
	}
	target := strings.TrimSpace(req.URL)
	if target == "" {
		target = sub.LandingURL
	}
	if target == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	a.accepted(w, "capture", sub.ID, func(ctx context.Context) []pipeline.TaskError {
		return a.env.Triggers.TriggerLandingCapture(ctx, sub.ID, target)
	})
}

func (a *api) sendReport(w http.ResponseWriter, r *http.Request) {
	if a.env.Reporter == nil {
		writeError(w, http.StatusServiceUnavailable, "reports are not configured")
		return
	}
	var req notify.ReportRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	id := chi.URLParam(r, "id")
	report, err := a.env.Reporter.Send(r.Context(), id, req)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "submission not found")
	case errors.Is(err, notify.ErrNothingToReport):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil && report == nil:
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeJSON(w, http.StatusBadGateway, report)
	default:
		writeJSON(w, http.StatusCreated, report)
	}
}
