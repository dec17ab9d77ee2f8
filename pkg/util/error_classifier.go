package util

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"

	"github.com/redis/go-redis/v9"
)

// ErrPermanent marks an error that no amount of retrying will fix.
var ErrPermanent = errors.New("permanent failure")

// IsRetryableError determines if an error is retryable
// Returns: (isRetryable, errorType)
func IsRetryableError(err error) (bool, string) {
	if err == nil {
		return false, ""
	}

	if errors.Is(err, ErrPermanent) {
		return false, "permanent"
	}

	// JSON decode errors - 不可重试（数据格式错误）
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return false, "json_decode_error"
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return false, "json_decode_error"
	}

	// Context - 超时可重试，取消不可重试
	if errors.Is(err, context.DeadlineExceeded) {
		return true, "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return false, "context_canceled"
	}

	// Redis errors
	if errors.Is(err, redis.ErrClosed) {
		return true, "redis_closed"
	}
	if errors.Is(err, redis.Nil) {
		// 读模型缺少前置数据（事件乱序）- 可重试
		return true, "read_model_missing"
	}

	// Network errors - 可重试
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true, "network_timeout"
		}
		return true, "network_error"
	}
	if strings.Contains(err.Error(), "connection refused") {
		return true, "network_error"
	}

	// 默认：未知错误，保守处理 - 不重试
	return false, "unknown_error"
}

// ShouldRetry checks if an error should be retried based on retry count
func ShouldRetry(retryCount int64, maxRetries int64, isRetryable bool) bool {
	if !isRetryable {
		return false
	}
	return retryCount <= maxRetries
}
