// Package auth guards the nodekeeper API with a static bearer token or a
// bcrypt-hashed basic credential.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/loykin/nodekeeper/internal/config"
)

// ContextKey is used for context keys to avoid collisions
type ContextKey string

// ResultKey holds the Result of a successful authentication.
const ResultKey ContextKey = "auth_result"

var ErrInvalidCredentials = errors.New("invalid credentials")

// Method names how a request authenticated.
type Method string

const (
	MethodBearer Method = "bearer"
	MethodBasic  Method = "basic"
)

// Result describes an authenticated caller.
type Result struct {
	Method   Method `json:"method"`
	Username string `json:"username,omitempty"`
}

// Middleware checks credentials against an AuthConfig.
type Middleware struct {
	cfg config.AuthConfig
}

func NewMiddleware(cfg config.AuthConfig) *Middleware {
	return &Middleware{cfg: cfg}
}

// Enabled reports whether requests are checked at all.
func (m *Middleware) Enabled() bool { return m != nil && m.cfg.Enabled }

// GinAuth returns a Gin middleware function for authentication
func (m *Middleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.Enabled() {
			c.Next()
			return
		}
		res, err := m.Authenticate(c.Request)
		if err != nil {
			c.Header("WWW-Authenticate", `Basic realm="nodekeeper"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_failed",
				"message": "Authentication required",
			})
			return
		}
		c.Set(string(ResultKey), res)
		c.Next()
	}
}

// Authenticate validates the Authorization header of r.
func (m *Middleware) Authenticate(r *http.Request) (*Result, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			if m.cfg.Token != "" && subtle.ConstantTimeCompare([]byte(parts[1]), []byte(m.cfg.Token)) == 1 {
				return &Result{Method: MethodBearer}, nil
			}
			return nil, ErrInvalidCredentials
		}
	}
	if user, pass, ok := r.BasicAuth(); ok {
		if m.cfg.Username == "" || m.cfg.PasswordHash == "" {
			return nil, ErrInvalidCredentials
		}
		if subtle.ConstantTimeCompare([]byte(user), []byte(m.cfg.Username)) != 1 {
			return nil, ErrInvalidCredentials
		}
		if err := bcrypt.CompareHashAndPassword([]byte(m.cfg.PasswordHash), []byte(pass)); err != nil {
			return nil, ErrInvalidCredentials
		}
		return &Result{Method: MethodBasic, Username: user}, nil
	}
	return nil, ErrInvalidCredentials
}

// HashPassword returns a bcrypt hash suitable for server.auth.password_hash.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password must not be empty")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
