package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"watchmyparent-telemetry/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	readingsPath      = "/api/v1/telemetry/readings"
	readingsBatchPath = "/api/v1/telemetry/readings/batch"
)

// batchRequest 批量上报请求体
type batchRequest struct {
	UserID   string    `json:"user_id"`
	Readings []Payload `json:"readings"`
}

// batchResponse 后端逐条返回处理结果
type batchResponse struct {
	Results []batchItemResult `json:"results"`
}

type batchItemResult struct {
	ReadingID string `json:"reading_id"`
	Accepted  bool   `json:"accepted"`
	Error     string `json:"error,omitempty"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// HTTPSender 通过后端 REST 接口上报
// 不使用 resty 自带重试：重试节奏由编排器的退避控制
type HTTPSender struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewHTTPSender 创建 HTTP 上报通道
func NewHTTPSender(baseURL, token string, timeout time.Duration, logger *zap.Logger) *HTTPSender {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if token != "" {
		client.SetAuthToken(token)
	}

	return &HTTPSender{
		httpClient: client,
		logger:     logger,
	}
}

func (s *HTTPSender) TransmitData(ctx context.Context, payload Payload, userID string) error {
	var failure errorResponse
	resp, err := s.httpClient.R().
		SetContext(ctx).
		SetHeader("X-User-Id", userID).
		SetBody(payload).
		SetError(&failure).
		Post(readingsPath)
	if err != nil {
		return networkError(payload.ReadingID, fmt.Errorf("failed to post reading: %w", err))
	}

	if resp.IsError() {
		s.logger.Warn("Backend rejected reading",
			zap.String("reading_id", payload.ReadingID),
			zap.String("user_id", userID),
			zap.Int("status_code", resp.StatusCode()),
			zap.String("message", failure.Message),
		)
		return statusError(payload.ReadingID, resp.StatusCode(), failure.Message)
	}
	return nil
}

// TransmitBatch 一次请求上报整批读数；后端未返回结果的条目按可重试失败处理
func (s *HTTPSender) TransmitBatch(ctx context.Context, payloads []Payload, userID string) ([]error, error) {
	var (
		result  batchResponse
		failure errorResponse
	)
	resp, err := s.httpClient.R().
		SetContext(ctx).
		SetHeader("X-User-Id", userID).
		SetBody(batchRequest{UserID: userID, Readings: payloads}).
		SetResult(&result).
		SetError(&failure).
		Post(readingsBatchPath)
	if err != nil {
		return nil, networkError("", fmt.Errorf("failed to post reading batch: %w", err))
	}
	if resp.IsError() {
		s.logger.Warn("Backend rejected reading batch",
			zap.String("user_id", userID),
			zap.Int("batch_size", len(payloads)),
			zap.Int("status_code", resp.StatusCode()),
			zap.String("message", failure.Message),
		)
		// 请求体过大：逐条上报，由后端对每条读数单独给出结论
		if resp.StatusCode() == http.StatusRequestEntityTooLarge {
			return s.transmitEach(ctx, payloads, userID), nil
		}
		return nil, batchStatusError(resp.StatusCode(), failure.Message)
	}

	byID := make(map[string]batchItemResult, len(result.Results))
	for _, r := range result.Results {
		byID[r.ReadingID] = r
	}

	results := make([]error, len(payloads))
	for i, p := range payloads {
		item, ok := byID[p.ReadingID]
		switch {
		case !ok:
			results[i] = networkError(p.ReadingID, fmt.Errorf("no result for reading in batch response"))
		case !item.Accepted:
			results[i] = &models.TransmissionError{
				ReadingID:  p.ReadingID,
				StatusCode: http.StatusUnprocessableEntity,
				Retryable:  false,
				Err:        fmt.Errorf("backend rejected reading: %s", item.Error),
			}
		}
	}
	return results, nil
}

func (s *HTTPSender) transmitEach(ctx context.Context, payloads []Payload, userID string) []error {
	results := make([]error, len(payloads))
	for i, p := range payloads {
		if err := ctx.Err(); err != nil {
			results[i] = networkError(p.ReadingID, err)
			continue
		}
		results[i] = s.TransmitData(ctx, p, userID)
	}
	return results
}

// statusError 针对单条读数的结论：400/422 等内容类拒绝不可重试；
// 5xx、408、429 以及鉴权失败（401/403，与读数内容无关）可重试
func statusError(readingID string, status int, message string) *models.TransmissionError {
	retryable := status >= 500 ||
		status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status == http.StatusUnauthorized ||
		status == http.StatusForbidden
	if message == "" {
		message = http.StatusText(status)
	}
	return &models.TransmissionError{
		ReadingID:  readingID,
		StatusCode: status,
		Retryable:  retryable,
		Err:        fmt.Errorf("backend returned %d: %s", status, message),
	}
}

// batchStatusError 整批请求失败不代表任何一条读数被拒绝，一律可重试
func batchStatusError(status int, message string) error {
	te := statusError("", status, message)
	te.Retryable = true
	return te
}
