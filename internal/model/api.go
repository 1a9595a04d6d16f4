package model

type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error     APIError `json:"error"`
	RequestID string   `json:"request_id,omitempty"`
}

type HealthResponse struct {
	OK bool `json:"ok"`
}

type ReadyResponse struct {
	OK          bool   `json:"ok"`
	ServiceName string `json:"service_name,omitempty"`
}

type VersionResponse struct {
	Version string `json:"version"`
}

type UserName struct {
	GivenName  string `json:"givenName,omitempty"`
	FamilyName string `json:"familyName,omitempty"`
}

type UserEmail struct {
	Value   string `json:"value"`
	Type    string `json:"type,omitempty"`
	Primary bool   `json:"primary,omitempty"`
}

// CurrentUserResponse keeps the SCIM field names of the workspace user.
type CurrentUserResponse struct {
	ID          string      `json:"id"`
	UserName    string      `json:"userName"`
	DisplayName string      `json:"displayName,omitempty"`
	Active      bool        `json:"active"`
	Name        *UserName   `json:"name,omitempty"`
	Emails      []UserEmail `json:"emails,omitempty"`
}

type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ScoreDetectionRequest struct {
	BeforeImageBase64 string  `json:"before_image_base64"`
	AfterImageBase64  string  `json:"after_image_base64"`
	BeforeTimestamp   float64 `json:"before_timestamp"`
	AfterTimestamp    float64 `json:"after_timestamp"`
	Model             string  `json:"model,omitempty"`
}

type DetectionTimings struct {
	Primary    int64 `json:"primary"`
	Correction int64 `json:"correction"`
	Total      int64 `json:"total"`
}

type ScoreDetectionResponse struct {
	// Score is the sum of the per-dart Scores.
	Score       int              `json:"score"`
	Scores      []int            `json:"scores"`
	Confidence  float64          `json:"confidence"`
	RawResponse string           `json:"raw_response"`
	Retried     bool             `json:"retried"`
	Usage       *TokenUsage      `json:"usage,omitempty"`
	TimingsMS   DetectionTimings `json:"timings_ms"`
}
