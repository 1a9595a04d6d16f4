package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"dartscore/internal/imagedata"
	"dartscore/internal/scoring"
	"dartscore/internal/upstream/serving"
)

const (
	PrimaryTemperature    = 0.3
	PrimaryMaxTokens      = 100
	CorrectionTemperature = 0.1
	CorrectionMaxTokens   = 50

	correctionSeparator = "\n--- correction ---\n"
	maxLoggedReply      = 200
)

type Invoker interface {
	Query(ctx context.Context, req serving.QueryRequest) (serving.QueryResponse, error)
}

type Observer interface {
	IncCorrectionRetry()
	IncDefaultScoreFallback()
	IncModelRejection(reason string)
}

type ImageSink interface {
	Save(label string, timestamp float64, img imagedata.Image) (string, error)
}

type Option func(*Service)

func WithObserver(observer Observer) Option {
	return func(s *Service) { s.observer = observer }
}

// WithImageSink enables writing the analysed image somewhere for offline debugging.
func WithImageSink(sink ImageSink) Option {
	return func(s *Service) { s.sink = sink }
}

type Service struct {
	invoker         Invoker
	defaultEndpoint string
	timeout         time.Duration
	logger          *slog.Logger
	observer        Observer
	sink            ImageSink
}

type DetectInput struct {
	// BeforeImage and BeforeTimestamp are accepted for API compatibility and
	// only logged; the model sees the after image alone.
	BeforeImage     imagedata.Image
	AfterImage      imagedata.Image
	BeforeTimestamp float64
	AfterTimestamp  float64
	Endpoint        string
}

type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Timings struct {
	Primary    time.Duration
	Correction time.Duration
	Total      time.Duration
}

type DetectResult struct {
	Scores      []int
	RawResponse string
	Endpoint    string
	Retried     bool
	// Fallback is set when neither reply was parsable and Scores is the default [0].
	Fallback bool
	Usage    *TokenUsage
	Timings  Timings
}

func New(invoker Invoker, defaultEndpoint string, timeout time.Duration, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		invoker:         invoker,
		defaultEndpoint: strings.TrimSpace(defaultEndpoint),
		timeout:         timeout,
		logger:          logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Service) Detect(ctx context.Context, in DetectInput) (DetectResult, error) {
	started := time.Now()

	endpoint := strings.TrimSpace(in.Endpoint)
	if endpoint == "" {
		endpoint = s.defaultEndpoint
	}
	logger := s.logger.With("endpoint", endpoint)
	logger.Info("detecting score",
		"before_timestamp", in.BeforeTimestamp,
		"after_timestamp", in.AfterTimestamp,
		"after_image_bytes", len(in.AfterImage.Data),
	)

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	if s.sink != nil {
		if path, err := s.sink.Save("after", in.AfterTimestamp, in.AfterImage); err != nil {
			logger.Warn("saving debug image failed", "error", err)
		} else {
			logger.Debug("saved debug image", "path", path)
		}
	}

	imageURL := in.AfterImage.DataURL()
	result := DetectResult{Endpoint: endpoint}

	primaryStarted := time.Now()
	resp, err := s.invoker.Query(ctx, serving.QueryRequest{
		Endpoint:    endpoint,
		Messages:    scoring.BuildDetectionMessages(imageURL, in.AfterTimestamp),
		Temperature: PrimaryTemperature,
		MaxTokens:   PrimaryMaxTokens,
	})
	result.Timings.Primary = time.Since(primaryStarted)
	if err != nil {
		logger.Error("model invocation failed", "error", err)
		return DetectResult{}, &scoring.InvocationError{Endpoint: endpoint, Err: err}
	}
	result.Usage = addUsage(result.Usage, resp.Usage)

	rawText, err := scoring.ExtractText(resp)
	if err != nil {
		s.recordRejection(err)
		logger.Error("model response rejected", "error", err, "choices", len(resp.Choices))
		return DetectResult{}, err
	}
	logger.Info("model reply received", "raw_response", truncate(rawText, maxLoggedReply))

	if parsed := s.parse(logger, rawText); parsed.OK() {
		result.Scores = parsed.Scores
		result.RawResponse = rawText
		result.Timings.Total = time.Since(started)
		logger.Info("scores detected", "scores", scoring.FormatScores(result.Scores))
		return result, nil
	}

	result.Retried = true
	if s.observer != nil {
		s.observer.IncCorrectionRetry()
	}
	logger.Warn("unparsable model reply, requesting correction", "raw_response", truncate(rawText, maxLoggedReply))

	correctionStarted := time.Now()
	correctedText, usage := s.correct(ctx, logger, endpoint, imageURL, rawText)
	result.Timings.Correction = time.Since(correctionStarted)
	result.Usage = addUsage(result.Usage, usage)
	result.RawResponse = rawText + correctionSeparator + correctedText

	if correctedText != "" {
		if parsed := s.parse(logger, correctedText); parsed.OK() {
			result.Scores = parsed.Scores
			result.Timings.Total = time.Since(started)
			logger.Info("scores detected after correction", "scores", scoring.FormatScores(result.Scores))
			return result, nil
		}
	}

	result.Scores = []int{0}
	result.Fallback = true
	result.Timings.Total = time.Since(started)
	if s.observer != nil {
		s.observer.IncDefaultScoreFallback()
	}
	logger.Warn("correction reply unusable, defaulting to zero",
		"corrected_response", truncate(correctedText, maxLoggedReply),
	)
	return result, nil
}

// correct issues the single correction call. Failures are logged and reported
// as an empty reply.
func (s *Service) correct(ctx context.Context, logger *slog.Logger, endpoint, imageURL, previous string) (string, *serving.TokenUsage) {
	resp, err := s.invoker.Query(ctx, serving.QueryRequest{
		Endpoint:    endpoint,
		Messages:    scoring.BuildCorrectionMessages(imageURL, previous),
		Temperature: CorrectionTemperature,
		MaxTokens:   CorrectionMaxTokens,
	})
	if err != nil {
		logger.Warn("correction invocation failed", "error", err)
		return "", nil
	}
	text, err := scoring.ExtractText(resp)
	if err != nil {
		logger.Warn("correction reply rejected", "error", err)
		return "", resp.Usage
	}
	logger.Info("correction reply received", "raw_response", truncate(text, maxLoggedReply))
	return text, resp.Usage
}

func (s *Service) parse(logger *slog.Logger, text string) scoring.ParseResult {
	parsed := scoring.Parse(text)
	for _, token := range parsed.Dropped {
		logger.Warn("score out of range, dropped", "token", token, "max", scoring.MaxDartScore)
	}
	return parsed
}

func (s *Service) recordRejection(err error) {
	if s.observer == nil {
		return
	}
	var blocked *scoring.BlockedError
	var refused *scoring.RefusedError
	switch {
	case errors.As(err, &blocked):
		s.observer.IncModelRejection("blocked")
	case errors.As(err, &refused):
		s.observer.IncModelRejection("refused")
	case errors.Is(err, scoring.ErrEmptyResponse):
		s.observer.IncModelRejection("empty")
	}
}

func addUsage(total *TokenUsage, u *serving.TokenUsage) *TokenUsage {
	if u == nil {
		return total
	}
	if total == nil {
		total = &TokenUsage{}
	}
	total.PromptTokens += u.PromptTokens
	total.CompletionTokens += u.CompletionTokens
	total.TotalTokens += u.TotalTokens
	return total
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
