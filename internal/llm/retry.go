package llm

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/spadaval/graphchat-sub000/pkg/logger"
)

// RetryConfig is the configuration for the RetryTransport.
type RetryConfig struct {
	MaxRetries int
	RetryCodes []int
	RetryDelay time.Duration
}

// RetryTransport retries requests on network errors and retryable statuses.
type RetryTransport struct {
	Config RetryConfig
	http.RoundTripper
	logger *logger.Logger
}

// RoundTrip implements http.RoundTripper.
func (t *RetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var buffer []byte
	if req.Body != nil {
		var err error
		buffer, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		_ = req.Body.Close()
	}

	var err error
	for attempt := 0; attempt <= t.Config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-req.Context().Done():
				return nil, req.Context().Err()
			case <-time.After(t.Config.RetryDelay * time.Duration(attempt)):
			}
		}

		if buffer != nil {
			req.Body = io.NopCloser(bytes.NewReader(buffer))
		}

		resp, rtErr := t.RoundTripper.RoundTrip(req)
		err = rtErr
		if err != nil {
			if req.Context().Err() != nil {
				return nil, err
			}
			t.warn("network error, retrying request",
				zap.String("url", req.URL.String()),
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}

		if !t.retryable(resp.StatusCode) || attempt == t.Config.MaxRetries {
			return resp, nil
		}

		t.warn("retryable status code, retrying request",
			zap.String("url", req.URL.String()),
			zap.Int("attempt", attempt),
			zap.Int("status", resp.StatusCode))
		_ = resp.Body.Close()
	}

	return nil, err
}

func (t *RetryTransport) retryable(status int) bool {
	for _, code := range t.Config.RetryCodes {
		if status == code {
			return true
		}
	}
	return false
}

func (t *RetryTransport) warn(msg string, fields ...zap.Field) {
	if t.logger != nil {
		t.logger.Warn(msg, fields...)
	}
}
