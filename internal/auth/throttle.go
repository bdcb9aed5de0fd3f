package auth

import (
	"context"
	"errors"
	"strconv"
	"time"

	"intakego/internal/apperr"
	"intakego/internal/redis"
)

const (
	defaultMaxFailures = 10
	defaultLoginWindow = 15 * time.Minute
	loginFailurePrefix = "login:fail:"
)

// ThrottleError tells the caller how long to wait before logging in again.
type ThrottleError struct {
	Err        *apperr.Error
	RetryAfter time.Duration
}

func (e *ThrottleError) Error() string {
	return e.Err.Error()
}

func (e *ThrottleError) Unwrap() error {
	return e.Err
}

// SetLoginLimit configures the failed-login throttle.
func (s *Service) SetLoginLimit(maxFailures int, window time.Duration) {
	if maxFailures > 0 {
		s.maxFailures = int64(maxFailures)
	}
	if window > 0 {
		s.window = window
	}
}

// CheckLogin returns a *ThrottleError when the client has exceeded the allowed
// failures within the window. Without redis there is no throttle.
func (s *Service) CheckLogin(ctx context.Context, clientIP string) error {
	if s.rdb == nil || clientIP == "" {
		return nil
	}
	key := loginFailurePrefix + clientIP
	val, err := s.rdb.Get(ctx, key)
	if errors.Is(err, redis.ErrCacheMiss) {
		return nil
	}
	if err != nil {
		// fail open
		return nil
	}
	count, _ := strconv.ParseInt(val, 10, 64)
	if count < s.maxFailures {
		return nil
	}
	ttl, err := s.rdb.TTL(ctx, key)
	if err != nil || ttl <= 0 {
		ttl = s.window
	}
	return &ThrottleError{
		Err:        apperr.RateLimited("Too many failed login attempts. Please try again later.", nil),
		RetryAfter: ttl,
	}
}

// RecordFailure counts a failed login for the client.
func (s *Service) RecordFailure(ctx context.Context, clientIP string) error {
	if s.rdb == nil || clientIP == "" {
		return nil
	}
	_, err := s.rdb.IncrWindow(ctx, loginFailurePrefix+clientIP, s.window)
	return err
}

// ResetFailures clears the counter after a successful login.
func (s *Service) ResetFailures(ctx context.Context, clientIP string) error {
	if s.rdb == nil || clientIP == "" {
		return nil
	}
	return s.rdb.Del(ctx, loginFailurePrefix+clientIP)
}
