package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"intakego/internal/apperr"
	"intakego/internal/redis"
)

const tokenStatusValid = "valid"

var (
	// ErrInvalidCredentials is returned by Issue when the password does not match.
	ErrInvalidCredentials = apperr.Auth(apperr.CodeInvalidCredentials, "Invalid password")
	// ErrAuthDisabled is returned by Issue when no password is configured.
	ErrAuthDisabled = apperr.Validation(apperr.CodeAuthDisabled, "Authentication is not enabled", 0)
)

// Service issues and verifies stateless signed session tokens.
type Service struct {
	password    string
	secret      []byte
	tokenTTL    time.Duration
	headerName  string
	rdb         *redis.Client
	maxFailures int64
	window      time.Duration
	now         func() time.Time
}

// NewService constructs the gate. An empty password disables authentication. rdb
// is optional and only backs the failed-login throttle.
func NewService(password, secret string, rdb *redis.Client, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		password:    password,
		secret:      []byte(secret),
		tokenTTL:    ttl,
		headerName:  "Authorization",
		rdb:         rdb,
		maxFailures: defaultMaxFailures,
		window:      defaultLoginWindow,
		now:         time.Now,
	}
}

// AuthRequired reports whether a password is configured.
func (s *Service) AuthRequired() bool {
	return s.password != ""
}

// Issue checks the password and mints a token valid for the configured TTL.
func (s *Service) Issue(password string) (string, error) {
	if !s.AuthRequired() {
		return "", ErrAuthDisabled
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(s.password)) != 1 {
		return "", ErrInvalidCredentials
	}
	expiry := s.now().Add(s.tokenTTL).UnixMilli()
	payload := tokenStatusValid + ":" + strconv.FormatInt(expiry, 10)
	token := payload + ":" + s.sign(payload)
	return base64.StdEncoding.EncodeToString([]byte(token)), nil
}

// Verify reports whether token carries a valid signature, has not expired and
// has status "valid".
func (s *Service) Verify(token string) bool {
	_, err := s.parse(token)
	return err == nil
}

// parse decodes the envelope and returns its expiry.
func (s *Service) parse(token string) (time.Time, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(token))
	if err != nil {
		return time.Time{}, errors.New("malformed token")
	}
	parts := strings.Split(string(raw), ":")
	if len(parts) != 3 {
		return time.Time{}, errors.New("malformed token")
	}
	status, expiryStr, sig := parts[0], parts[1], parts[2]

	expected := s.sign(status + ":" + expiryStr)
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return time.Time{}, errors.New("signature mismatch")
	}
	expiryMs, err := strconv.ParseInt(expiryStr, 10, 64)
	if err != nil {
		return time.Time{}, errors.New("malformed expiry")
	}
	expiry := time.UnixMilli(expiryMs)
	if !s.now().Before(expiry) {
		return time.Time{}, errors.New("token expired")
	}
	if status != tokenStatusValid {
		return time.Time{}, errors.New("token not valid")
	}
	return expiry, nil
}

func (s *Service) sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
