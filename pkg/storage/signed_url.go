package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// downloadClaims is what a roster download token asserts: which export job
// it belongs to, which stored file it may fetch, and until when.
type downloadClaims struct {
	JobID     string
	FilePath  string
	ExpiresAt time.Time
}

func (c downloadClaims) payload() string {
	encodedPath := base64.RawURLEncoding.EncodeToString([]byte(c.FilePath))
	return strings.Join([]string{c.JobID, strconv.FormatInt(c.ExpiresAt.Unix(), 10), encodedPath}, "|")
}

// SignedURLSigner mints and validates the tokens that gate roster downloads.
// Tokens are self-contained, so download requests need no session.
type SignedURLSigner struct {
	secret []byte
	ttl    time.Duration
}

// NewSignedURLSigner constructs a signer with the provided secret and TTL.
func NewSignedURLSigner(secret string, ttl time.Duration) *SignedURLSigner {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SignedURLSigner{
		secret: []byte(secret),
		ttl:    ttl,
	}
}

// Generate returns a signed token granting access to an export job's file.
func (s *SignedURLSigner) Generate(jobID, relPath string) (string, time.Time, error) {
	if jobID == "" || relPath == "" {
		return "", time.Time{}, fmt.Errorf("jobID and relPath required")
	}
	if len(s.secret) == 0 {
		return "", time.Time{}, fmt.Errorf("signing secret missing")
	}
	claims := downloadClaims{
		JobID:     jobID,
		FilePath:  relPath,
		ExpiresAt: time.Now().Add(s.ttl),
	}
	encodedPath := base64.RawURLEncoding.EncodeToString([]byte(claims.FilePath))
	token := strings.Join([]string{
		claims.JobID,
		strconv.FormatInt(claims.ExpiresAt.Unix(), 10),
		encodedPath,
		s.sign(claims.payload()),
	}, ".")
	return token, claims.ExpiresAt, nil
}

// Parse validates a token and returns the embedded claims.
// When allowExpired is true, the expiry check is skipped (used by cleanup
// routines that need to resolve files of stale tokens).
func (s *SignedURLSigner) Parse(token string, allowExpired bool) (jobID, relPath string, expiresAt time.Time, err error) {
	parts := strings.Split(token, ".")
	if len(parts) != 4 {
		return "", "", time.Time{}, fmt.Errorf("malformed download token")
	}
	jobID = parts[0]
	ts := parts[1]
	encodedPath := parts[2]
	signature := parts[3]

	rawPath, err := base64.RawURLEncoding.DecodeString(encodedPath)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("decode file path: %w", err)
	}
	expUnix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("invalid expiry timestamp")
	}

	claims := downloadClaims{JobID: jobID, FilePath: string(rawPath), ExpiresAt: time.Unix(expUnix, 0)}
	if !hmac.Equal([]byte(s.sign(claims.payload())), []byte(signature)) {
		return "", "", time.Time{}, fmt.Errorf("invalid token signature")
	}
	if !allowExpired && time.Now().After(claims.ExpiresAt) {
		return "", "", time.Time{}, fmt.Errorf("download token expired")
	}
	return claims.JobID, claims.FilePath, claims.ExpiresAt, nil
}

func (s *SignedURLSigner) sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
