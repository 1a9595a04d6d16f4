package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"dartscore/internal/imagedata"
	"dartscore/internal/scoring"
	"dartscore/internal/upstream/serving"
)

type fakeReply struct {
	resp serving.QueryResponse
	err  error
}

type fakeInvoker struct {
	replies  []fakeReply
	requests []serving.QueryRequest
}

func (f *fakeInvoker) Query(_ context.Context, req serving.QueryRequest) (serving.QueryResponse, error) {
	f.requests = append(f.requests, req)
	if len(f.replies) == 0 {
		return serving.QueryResponse{}, errors.New("unexpected call")
	}
	next := f.replies[0]
	f.replies = f.replies[1:]
	return next.resp, next.err
}

type fakeObserver struct {
	retries    int
	fallbacks  int
	rejections []string
}

func (f *fakeObserver) IncCorrectionRetry()        { f.retries++ }
func (f *fakeObserver) IncDefaultScoreFallback()   { f.fallbacks++ }
func (f *fakeObserver) IncModelRejection(r string) { f.rejections = append(f.rejections, r) }

type fakeSink struct {
	saved []string
	err   error
}

func (f *fakeSink) Save(label string, _ float64, _ imagedata.Image) (string, error) {
	f.saved = append(f.saved, label)
	return "/tmp/" + label, f.err
}

func textReply(text string) fakeReply {
	return fakeReply{resp: serving.QueryResponse{
		Choices: []serving.Choice{{Message: &serving.ResponseMessage{Role: "assistant", Content: text}, FinishReason: "stop"}},
		Usage:   &serving.TokenUsage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12},
	}}
}

func newTestService(inv Invoker, opts ...Option) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(inv, "default-endpoint", 5*time.Second, logger, opts...)
}

func testInput() DetectInput {
	return DetectInput{
		BeforeImage:     imagedata.Image{Data: []byte("before"), MIME: "image/jpeg"},
		AfterImage:      imagedata.Image{Data: []byte("after"), MIME: "image/jpeg"},
		BeforeTimestamp: 1.5,
		AfterTimestamp:  3.25,
	}
}

func TestDetectParsesScoresOnFirstAttempt(t *testing.T) {
	inv := &fakeInvoker{replies: []fakeReply{textReply("20, 60, 50")}}
	obs := &fakeObserver{}
	svc := newTestService(inv, WithObserver(obs))

	res, err := svc.Detect(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if !reflect.DeepEqual(res.Scores, []int{20, 60, 50}) {
		t.Fatalf("unexpected scores: %v", res.Scores)
	}
	if res.RawResponse != "20, 60, 50" || res.Retried || res.Fallback {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(inv.requests) != 1 {
		t.Fatalf("expected one call, got %d", len(inv.requests))
	}
	req := inv.requests[0]
	if req.Endpoint != "default-endpoint" || req.Temperature != PrimaryTemperature || req.MaxTokens != PrimaryMaxTokens {
		t.Fatalf("unexpected primary request: %+v", req)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
		t.Fatalf("expected system + user messages, got %+v", req.Messages)
	}
	parts := req.Messages[1].Content.([]serving.ContentPart)
	var imageURLs []string
	for _, p := range parts {
		if p.ImageURL != nil {
			imageURLs = append(imageURLs, p.ImageURL.URL)
		}
	}
	want := imagedata.Image{Data: []byte("after"), MIME: "image/jpeg"}.DataURL()
	if len(imageURLs) != 1 || imageURLs[0] != want {
		t.Fatalf("expected only the after image to be sent, got %v", imageURLs)
	}
	if res.Usage == nil || res.Usage.TotalTokens != 12 {
		t.Fatalf("unexpected usage: %+v", res.Usage)
	}
	if obs.retries != 0 || obs.fallbacks != 0 {
		t.Fatalf("unexpected observer counts: %+v", obs)
	}
}

func TestDetectUsesRequestedEndpoint(t *testing.T) {
	inv := &fakeInvoker{replies: []fakeReply{textReply("Dart 1: 0")}}
	svc := newTestService(inv)

	in := testInput()
	in.Endpoint = "  custom-vision  "
	res, err := svc.Detect(context.Background(), in)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if inv.requests[0].Endpoint != "custom-vision" || res.Endpoint != "custom-vision" {
		t.Fatalf("unexpected endpoint: %q", inv.requests[0].Endpoint)
	}
	if !reflect.DeepEqual(res.Scores, []int{0}) {
		t.Fatalf("unexpected scores: %v", res.Scores)
	}
}

func TestDetectNoDartsPhraseYieldsZeroWithoutRetry(t *testing.T) {
	inv := &fakeInvoker{replies: []fakeReply{textReply("no darts visible")}}
	svc := newTestService(inv)

	res, err := svc.Detect(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if !reflect.DeepEqual(res.Scores, []int{0}) || res.Retried {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestDetectEmptyReplyFailsBeforeParsing(t *testing.T) {
	inv := &fakeInvoker{replies: []fakeReply{textReply("")}}
	obs := &fakeObserver{}
	svc := newTestService(inv, WithObserver(obs))

	_, err := svc.Detect(context.Background(), testInput())
	if !errors.Is(err, scoring.ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
	if len(inv.requests) != 1 {
		t.Fatalf("empty reply must not trigger a retry, got %d calls", len(inv.requests))
	}
	if !reflect.DeepEqual(obs.rejections, []string{"empty"}) {
		t.Fatalf("unexpected rejections: %v", obs.rejections)
	}
}

func TestDetectBlockedIsFatal(t *testing.T) {
	inv := &fakeInvoker{replies: []fakeReply{{resp: serving.QueryResponse{
		Choices: []serving.Choice{{Message: &serving.ResponseMessage{}, FinishReason: "content_filter"}},
	}}}}
	svc := newTestService(inv)

	_, err := svc.Detect(context.Background(), testInput())
	var blocked *scoring.BlockedError
	if !errors.As(err, &blocked) || blocked.FinishReason != "content_filter" {
		t.Fatalf("expected BlockedError, got %v", err)
	}
}

func TestDetectRefusalIsFatal(t *testing.T) {
	inv := &fakeInvoker{replies: []fakeReply{{resp: serving.QueryResponse{
		Choices: []serving.Choice{{Message: &serving.ResponseMessage{Refusal: "cannot analyse images of people"}}},
	}}}}
	svc := newTestService(inv)

	_, err := svc.Detect(context.Background(), testInput())
	var refused *scoring.RefusedError
	if !errors.As(err, &refused) {
		t.Fatalf("expected RefusedError, got %v", err)
	}
}

func TestDetectInvocationErrorIsWrapped(t *testing.T) {
	upstream := &serving.Error{StatusCode: 503, Body: "overloaded"}
	inv := &fakeInvoker{replies: []fakeReply{{err: upstream}}}
	svc := newTestService(inv)

	_, err := svc.Detect(context.Background(), testInput())
	var invErr *scoring.InvocationError
	if !errors.As(err, &invErr) {
		t.Fatalf("expected InvocationError, got %v", err)
	}
	if invErr.Endpoint != "default-endpoint" {
		t.Fatalf("unexpected endpoint: %q", invErr.Endpoint)
	}
	var upErr *serving.Error
	if !errors.As(err, &upErr) || upErr.StatusCode != 503 {
		t.Fatalf("expected wrapped upstream error, got %v", err)
	}
	if len(inv.requests) != 1 {
		t.Fatalf("invocation errors must not be retried, got %d calls", len(inv.requests))
	}
}

func TestDetectCorrectionRetrySucceeds(t *testing.T) {
	inv := &fakeInvoker{replies: []fakeReply{
		textReply("I can see a lovely dartboard"),
		textReply("20, 5"),
	}}
	obs := &fakeObserver{}
	svc := newTestService(inv, WithObserver(obs))

	res, err := svc.Detect(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if !reflect.DeepEqual(res.Scores, []int{20, 5}) {
		t.Fatalf("unexpected scores: %v", res.Scores)
	}
	if !res.Retried || res.Fallback {
		t.Fatalf("unexpected flags: %+v", res)
	}
	if len(inv.requests) != 2 {
		t.Fatalf("expected exactly two calls, got %d", len(inv.requests))
	}
	retry := inv.requests[1]
	if retry.Temperature != CorrectionTemperature || retry.MaxTokens != CorrectionMaxTokens {
		t.Fatalf("unexpected correction params: %+v", retry)
	}
	if len(retry.Messages) != 1 || retry.Messages[0].Role != "user" {
		t.Fatalf("correction must be a single user turn: %+v", retry.Messages)
	}
	text := retry.Messages[0].Content.([]serving.ContentPart)[0].Text
	if !strings.Contains(text, "I can see a lovely dartboard") {
		t.Fatalf("correction prompt must quote the failed reply: %q", text)
	}
	if !strings.Contains(res.RawResponse, "I can see a lovely dartboard") || !strings.Contains(res.RawResponse, "20, 5") {
		t.Fatalf("raw response should combine both attempts: %q", res.RawResponse)
	}
	if res.Usage == nil || res.Usage.TotalTokens != 24 {
		t.Fatalf("expected usage of both calls, got %+v", res.Usage)
	}
	if obs.retries != 1 || obs.fallbacks != 0 {
		t.Fatalf("unexpected observer counts: %+v", obs)
	}
}

func TestDetectFallsBackToZeroWhenCorrectionUnparsable(t *testing.T) {
	inv := &fakeInvoker{replies: []fakeReply{
		textReply("garbage text no numbers"),
		textReply("still garbage"),
	}}
	obs := &fakeObserver{}
	svc := newTestService(inv, WithObserver(obs))

	res, err := svc.Detect(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if !reflect.DeepEqual(res.Scores, []int{0}) || !res.Fallback || !res.Retried {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(inv.requests) != 2 {
		t.Fatalf("expected exactly one retry, got %d calls", len(inv.requests))
	}
	want := "garbage text no numbers" + correctionSeparator + "still garbage"
	if res.RawResponse != want {
		t.Fatalf("unexpected raw response: %q", res.RawResponse)
	}
	if obs.retries != 1 || obs.fallbacks != 1 {
		t.Fatalf("unexpected observer counts: %+v", obs)
	}
}

func TestDetectSwallowsCorrectionErrors(t *testing.T) {
	tests := []struct {
		name  string
		reply fakeReply
	}{
		{name: "invocation error", reply: fakeReply{err: errors.New("connection reset")}},
		{name: "blocked", reply: fakeReply{resp: serving.QueryResponse{Choices: []serving.Choice{{FinishReason: "safety"}}}}},
		{name: "empty", reply: textReply("   ")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := &fakeInvoker{replies: []fakeReply{textReply("unclear"), tt.reply}}
			svc := newTestService(inv)

			res, err := svc.Detect(context.Background(), testInput())
			if err != nil {
				t.Fatalf("Detect() error = %v", err)
			}
			if !reflect.DeepEqual(res.Scores, []int{0}) || !res.Fallback {
				t.Fatalf("unexpected result: %+v", res)
			}
			if res.RawResponse != "unclear"+correctionSeparator {
				t.Fatalf("unexpected raw response: %q", res.RawResponse)
			}
		})
	}
}

func TestDetectOutOfRangeOnlyTriggersRetry(t *testing.T) {
	inv := &fakeInvoker{replies: []fakeReply{textReply("180"), textReply("60, 60, 60")}}
	svc := newTestService(inv)

	res, err := svc.Detect(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if !reflect.DeepEqual(res.Scores, []int{60, 60, 60}) || !res.Retried {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestDetectSavesDebugImageWithoutAffectingOutcome(t *testing.T) {
	inv := &fakeInvoker{replies: []fakeReply{textReply("25")}}
	sink := &fakeSink{err: errors.New("disk full")}
	svc := newTestService(inv, WithImageSink(sink))

	res, err := svc.Detect(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if !reflect.DeepEqual(res.Scores, []int{25}) {
		t.Fatalf("unexpected scores: %v", res.Scores)
	}
	if !reflect.DeepEqual(sink.saved, []string{"after"}) {
		t.Fatalf("expected after image to be saved, got %v", sink.saved)
	}
}

func TestTruncateKeepsRuneBoundaries(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{in: "20, 60", n: 10, want: "20, 60"},
		{in: "abcdef", n: 3, want: "abc..."},
		{in: "aøb", n: 2, want: "a..."},
		{in: "øøø", n: 3, want: "ø..."},
	}
	for _, tt := range tests {
		got := truncate(tt.in, tt.n)
		if got != tt.want {
			t.Fatalf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
		if !utf8.ValidString(got) {
			t.Fatalf("truncate(%q, %d) produced invalid UTF-8: %q", tt.in, tt.n, got)
		}
	}
}
