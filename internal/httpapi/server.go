package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"dartscore/internal/config"
	"dartscore/internal/imagedata"
	"dartscore/internal/model"
	"dartscore/internal/pipeline"
	"dartscore/internal/scoring"
	"dartscore/internal/upstream/serving"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

type Detector interface {
	Detect(ctx context.Context, in pipeline.DetectInput) (pipeline.DetectResult, error)
}

type Upstream interface {
	CheckEndpoint(ctx context.Context, endpoint string) error
	CurrentUser(ctx context.Context) (serving.User, error)
}

type MetricsObserver interface {
	ObserveHTTP(route, method string, status int, duration time.Duration)
}

type Dependencies struct {
	Detector       Detector
	Upstream       Upstream
	Metrics        MetricsObserver
	MetricsHandler http.Handler
}

type server struct {
	cfg          config.Config
	logger       *slog.Logger
	detector     Detector
	upstream     Upstream
	metrics      MetricsObserver
	metricsRoute http.Handler
}

type ctxKey string

const (
	requestIDHeader   = "X-Request-Id"
	forwardedTokenHdr = "X-Forwarded-Access-Token"
	requestIDContext  = ctxKey("request_id")
	serviceName       = "dartscore"
)

func NewServer(cfg config.Config, logger *slog.Logger, deps Dependencies) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Detector == nil || deps.Upstream == nil {
		panic("httpapi: detector and upstream dependencies are required")
	}

	s := &server{
		cfg:          cfg,
		logger:       logger,
		detector:     deps.Detector,
		upstream:     deps.Upstream,
		metrics:      deps.Metrics,
		metricsRoute: deps.MetricsHandler,
	}

	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusNotFound, "not_found", "route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", nil)
	})

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(s.authMiddleware)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if s.metricsRoute != nil {
		r.Handle("/metrics", s.metricsRoute)
	}

	api := func(r chi.Router) {
		r.Get("/version", s.handleVersion)
		r.Get("/current-user", s.handleCurrentUser)
		r.Post("/detect-score", s.handleDetectScore)
	}
	if cfg.APIPrefix == "" {
		r.Group(api)
	} else {
		r.Route(cfg.APIPrefix, api)
	}

	return r
}

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.HealthResponse{OK: true})
}

func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.cfg.UpstreamToken == "" && serving.RequestTokenFromContext(r.Context()) == "" {
		writeJSON(w, http.StatusOK, model.ReadyResponse{OK: true, ServiceName: serviceName})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.upstream.CheckEndpoint(ctx, s.cfg.DefaultModelEndpoint); err != nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "not_ready", "serving endpoint check failed", detailsForError(err))
		return
	}
	writeJSON(w, http.StatusOK, model.ReadyResponse{OK: true, ServiceName: serviceName})
}

func (s *server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.VersionResponse{Version: s.cfg.AppVersion})
}

// handleCurrentUser only answers for the caller's own token; the service
// token never stands in for a user.
func (s *server) handleCurrentUser(w http.ResponseWriter, r *http.Request) {
	if serving.RequestTokenFromContext(r.Context()) == "" {
		s.writeError(w, r, http.StatusUnauthorized, "unauthorized", "missing user access token", nil)
		return
	}

	user, err := s.upstream.CurrentUser(r.Context())
	if err != nil {
		status := http.StatusBadGateway
		code := "user_lookup_failed"
		var upstreamErr *serving.Error
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			status = http.StatusGatewayTimeout
			code = "timeout"
		case errors.As(err, &upstreamErr) && upstreamErr.StatusCode == http.StatusUnauthorized:
			status = http.StatusUnauthorized
			code = "unauthorized"
		case errors.As(err, &upstreamErr) && upstreamErr.StatusCode == http.StatusForbidden:
			status = http.StatusForbidden
			code = "forbidden"
		}
		s.logger.Warn("current user lookup failed",
			"request_id", requestIDFromContext(r.Context()),
			"code", code,
			"error", err,
		)
		s.writeError(w, r, status, code, "current user lookup failed", detailsForError(err))
		return
	}

	writeJSON(w, http.StatusOK, toModelUser(user))
}

func (s *server) handleDetectScore(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	defer func() { _ = r.Body.Close() }()

	var req model.ScoreDetectionRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		s.handleJSONDecodeError(w, r, err)
		return
	}
	if err := ensureBodyFullyConsumed(decoder); err != nil {
		s.handleJSONDecodeError(w, r, err)
		return
	}

	in, err := detectInputFromRequest(req)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}

	result, err := s.detector.Detect(r.Context(), in)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}

	score := scoring.Total(result.Scores)
	confidence := 0.5
	if score > 0 {
		confidence = 0.95
	}
	s.logger.Info("score detected",
		"request_id", requestIDFromContext(r.Context()),
		"endpoint", result.Endpoint,
		"score", score,
		"scores", scoring.FormatScores(result.Scores),
		"confidence", confidence,
		"retried", result.Retried,
		"fallback", result.Fallback,
	)

	writeJSON(w, http.StatusOK, model.ScoreDetectionResponse{
		Score:       score,
		Scores:      result.Scores,
		Confidence:  confidence,
		RawResponse: result.RawResponse,
		Retried:     result.Retried,
		Usage:       toModelTokenUsage(result.Usage),
		TimingsMS: model.DetectionTimings{
			Primary:    result.Timings.Primary.Milliseconds(),
			Correction: result.Timings.Correction.Milliseconds(),
			Total:      result.Timings.Total.Milliseconds(),
		},
	})
}

func detectInputFromRequest(req model.ScoreDetectionRequest) (pipeline.DetectInput, error) {
	if strings.TrimSpace(req.AfterImageBase64) == "" {
		return pipeline.DetectInput{}, errors.New("after_image_base64 is required")
	}
	after, err := decodeImage("after_image_base64", req.AfterImageBase64)
	if err != nil {
		return pipeline.DetectInput{}, err
	}

	var before imagedata.Image
	if strings.TrimSpace(req.BeforeImageBase64) != "" {
		if before, err = decodeImage("before_image_base64", req.BeforeImageBase64); err != nil {
			return pipeline.DetectInput{}, err
		}
	}

	if !validTimestamp(req.BeforeTimestamp) || !validTimestamp(req.AfterTimestamp) {
		return pipeline.DetectInput{}, errors.New("timestamps must be finite, non-negative seconds")
	}

	return pipeline.DetectInput{
		BeforeImage:     before,
		AfterImage:      after,
		BeforeTimestamp: req.BeforeTimestamp,
		AfterTimestamp:  req.AfterTimestamp,
		Endpoint:        strings.TrimSpace(req.Model),
	}, nil
}

func decodeImage(field, payload string) (imagedata.Image, error) {
	img, err := imagedata.Decode(payload)
	if err != nil {
		return imagedata.Image{}, fmt.Errorf("%s is not a valid base64 image", field)
	}
	if !imagedata.Supported(img.MIME) {
		return imagedata.Image{}, fmt.Errorf("%s has unsupported type %s (need jpeg, png, webp or gif)", field, img.MIME)
	}
	return img, nil
}

func validTimestamp(ts float64) bool {
	return ts >= 0 && !math.IsInf(ts, 0) && !math.IsNaN(ts)
}

func (s *server) handleJSONDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		s.writeError(w, r, http.StatusRequestEntityTooLarge, "request_too_large", fmt.Sprintf("request exceeds %d bytes", s.cfg.MaxBodyBytes), nil)
		return
	}
	s.writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON body", nil)
}

func (s *server) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	message := "request failed"
	details := detailsForError(err)

	var (
		invocationErr *scoring.InvocationError
		blockedErr    *scoring.BlockedError
		refusedErr    *scoring.RefusedError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
		code = "timeout"
		message = "request timed out"
	case errors.Is(err, context.Canceled):
		status = 499
		code = "canceled"
		message = "request canceled"
	case errors.As(err, &blockedErr):
		status = http.StatusUnprocessableEntity
		code = "model_blocked"
		message = "model output was blocked by a content filter"
		details["finish_reason"] = blockedErr.FinishReason
	case errors.As(err, &refusedErr):
		status = http.StatusUnprocessableEntity
		code = "model_refused"
		message = "model refused to score the image"
		details["refusal"] = refusedErr.Refusal
	case errors.Is(err, scoring.ErrEmptyResponse):
		status = http.StatusBadGateway
		code = "empty_model_response"
		message = "model returned an empty response"
	case errors.As(err, &invocationErr):
		status = http.StatusBadGateway
		code = "model_invocation_failed"
		message = "model invocation failed"
		details["endpoint"] = invocationErr.Endpoint
	}

	s.logger.Error("detection failed",
		"request_id", requestIDFromContext(r.Context()),
		"code", code,
		"error", err,
	)
	s.writeError(w, r, status, code, message, details)
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	if rid := requestIDFromContext(r.Context()); rid != "" {
		w.Header().Set(requestIDHeader, rid)
	}
	writeJSON(w, status, model.ErrorResponse{
		Error:     model.APIError{Code: code, Message: message, Details: details},
		RequestID: requestIDFromContext(r.Context()),
	})
}

func (s *server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)
		ctx := context.WithValue(r.Context(), requestIDContext, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		duration := time.Since(started)
		if s.metrics != nil {
			s.metrics.ObserveHTTP(route, r.Method, status, duration)
		}

		s.logger.Info("http_request",
			"request_id", requestIDFromContext(r.Context()),
			"method", r.Method,
			"route", route,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", duration.Milliseconds(),
		)
	})
}

func (s *server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", "request_id", requestIDFromContext(r.Context()), "panic", rec)
				s.writeError(w, r, http.StatusInternalServerError, "internal_error", "internal server error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// authMiddleware accepts either a bearer token or the forwarded access token
// set by the hosting proxy, and passes it on to the serving client.
func (s *server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, hasHeader, ok := extractBearerToken(r.Header.Get("Authorization"))
		if hasHeader && !ok {
			s.writeError(w, r, http.StatusUnauthorized, "unauthorized", "Authorization must be Bearer <token>", nil)
			return
		}
		if token == "" {
			token = strings.TrimSpace(r.Header.Get(forwardedTokenHdr))
		}
		if !s.isPublicPath(r.URL.Path) && token == "" && s.cfg.UpstreamToken == "" {
			s.writeError(w, r, http.StatusUnauthorized, "unauthorized", "missing access token", nil)
			return
		}
		if token != "" {
			r = r.WithContext(serving.WithRequestToken(r.Context(), token))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) isPublicPath(path string) bool {
	switch path {
	case "/healthz", "/readyz", "/metrics", s.cfg.APIPrefix + "/version":
		return true
	default:
		return false
	}
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func ensureBodyFullyConsumed(decoder *json.Decoder) error {
	var extra any
	if err := decoder.Decode(&extra); err != io.EOF {
		if err == nil {
			return fmt.Errorf("multiple JSON values")
		}
		return err
	}
	return nil
}

func requestIDFromContext(ctx context.Context) string {
	value, _ := ctx.Value(requestIDContext).(string)
	return value
}

func extractBearerToken(header string) (token string, hasHeader bool, ok bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", false, true
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", true, false
	}
	token = strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", true, false
	}
	return token, true, true
}

func toModelTokenUsage(u *pipeline.TokenUsage) *model.TokenUsage {
	if u == nil {
		return nil
	}
	return &model.TokenUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

func toModelUser(u serving.User) model.CurrentUserResponse {
	out := model.CurrentUserResponse{
		ID:          u.ID,
		UserName:    u.UserName,
		DisplayName: u.DisplayName,
		Active:      u.Active,
	}
	if u.Name != nil {
		out.Name = &model.UserName{GivenName: u.Name.GivenName, FamilyName: u.Name.FamilyName}
	}
	for _, e := range u.Emails {
		out.Emails = append(out.Emails, model.UserEmail{Value: e.Value, Type: e.Type, Primary: e.Primary})
	}
	return out
}

func detailsForError(err error) map[string]any {
	details := map[string]any{}
	if err == nil {
		return details
	}
	details["error"] = err.Error()
	var upstreamErr *serving.Error
	if errors.As(err, &upstreamErr) {
		details["upstream_status"] = upstreamErr.StatusCode
		if upstreamErr.Body != "" {
			details["upstream_body"] = upstreamErr.Body
		}
	}
	return details
}
