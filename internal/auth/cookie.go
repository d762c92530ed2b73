package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	SessionCookie  = "session"
	DefaultSession = 7 * 24 * time.Hour
)

var (
	ErrMalformed = errors.New("invalid cookie format")
	ErrSignature = errors.New("invalid signature")
	ErrExpired   = errors.New("session expired")
)

// Signer produces and checks session cookies of the form
// "value|expiry|signature", each part base64url encoded.
type Signer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

func NewSigner(secret string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = DefaultSession
	}
	return &Signer{key: []byte(secret), ttl: ttl, now: time.Now}
}

func (s *Signer) mac(value, expiry string) []byte {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(value))
	mac.Write([]byte{'|'})
	mac.Write([]byte(expiry))
	return mac.Sum(nil)
}

func (s *Signer) Sign(value string) string {
	expiry := strconv.FormatInt(s.now().Add(s.ttl).Unix(), 10)
	enc := base64.URLEncoding
	return strings.Join([]string{
		enc.EncodeToString([]byte(value)),
		enc.EncodeToString([]byte(expiry)),
		enc.EncodeToString(s.mac(value, expiry)),
	}, "|")
}

// Verify returns the signed value if the signature matches and the session
// has not expired.
func (s *Signer) Verify(signed string) (string, error) {
	parts := strings.Split(signed, "|")
	if len(parts) != 3 {
		return "", ErrMalformed
	}
	enc := base64.URLEncoding
	value, err := enc.DecodeString(parts[0])
	if err != nil {
		return "", ErrMalformed
	}
	expiry, err := enc.DecodeString(parts[1])
	if err != nil {
		return "", ErrMalformed
	}
	signature, err := enc.DecodeString(parts[2])
	if err != nil {
		return "", ErrMalformed
	}

	if !hmac.Equal(signature, s.mac(string(value), string(expiry))) {
		return "", ErrSignature
	}
	unix, err := strconv.ParseInt(string(expiry), 10, 64)
	if err != nil {
		return "", ErrMalformed
	}
	if s.now().Unix() >= unix {
		return "", ErrExpired
	}
	return string(value), nil
}

// SetSession writes the signed session cookie for userID.
func (s *Signer) SetSession(w http.ResponseWriter, userID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    s.Sign(userID),
		Path:     "/",
		MaxAge:   int(s.ttl.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// UserID reads and verifies the session cookie on r.
func (s *Signer) UserID(r *http.Request) (string, error) {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil {
		return "", err
	}
	return s.Verify(cookie.Value)
}
