package auth

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Common authentication errors.
var (
	ErrMissingAuthorization = errors.New("missing authorization")
	ErrInvalidAuthFormat    = errors.New("invalid authorization header format")
	ErrInvalidSubject       = errors.New("token subject is not a user ID")
)

// AuthService defines the interface for authentication operations.
// This abstraction enables clean separation between HTTP handling
// and authentication logic, making both easier to test.
type AuthService interface {
	// ValidateRequest extracts and validates a JWT from the request.
	// It checks for the token in:
	//   1. The session cookie (browser clients)
	//   2. Authorization header with "Bearer" scheme (API clients)
	//   3. The "token" query parameter, only on WebSocket upgrade requests
	//      (browsers cannot set headers on WebSocket handshakes)
	// Returns the validated claims, the raw token string, or an error.
	ValidateRequest(r *http.Request) (*Claims, string, error)
}

// authService implements AuthService.
type authService struct {
	jwksClient JWKSClientInterface
	cookieName string
	logger     *zap.Logger
}

// NewAuthService creates a new AuthService with the given JWKS client and logger.
func NewAuthService(jwksClient JWKSClientInterface, cookieName string, logger *zap.Logger) AuthService {
	return &authService{
		jwksClient: jwksClient,
		cookieName: cookieName,
		logger:     logger,
	}
}

// ValidateRequest extracts and validates a JWT from the request.
func (s *authService) ValidateRequest(r *http.Request) (*Claims, string, error) {
	tokenString, tokenSource, err := s.extractToken(r)
	if err != nil {
		s.logger.Debug("No usable JWT in request",
			zap.String("path", r.URL.Path),
			zap.String("method", r.Method),
			zap.Error(err))
		return nil, "", err
	}

	claims, err := s.jwksClient.ValidateToken(tokenString)
	if err != nil {
		s.logger.Debug("JWT validation failed",
			zap.Error(err),
			zap.String("path", r.URL.Path),
			zap.String("token_source", tokenSource))
		return nil, "", err
	}

	if _, err := UserFromClaims(claims); err != nil {
		return nil, "", ErrInvalidSubject
	}

	return claims, tokenString, nil
}

func (s *authService) extractToken(r *http.Request) (token, source string, err error) {
	if s.cookieName != "" {
		if cookie, err := r.Cookie(s.cookieName); err == nil && cookie.Value != "" {
			return cookie.Value, "cookie", nil
		}
	}

	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		scheme, value, ok := strings.Cut(authHeader, " ")
		if !ok || scheme != "Bearer" || value == "" {
			return "", "", ErrInvalidAuthFormat
		}
		return value, "header", nil
	}

	if isWebSocketUpgrade(r) {
		if token := r.URL.Query().Get("token"); token != "" {
			return token, "query", nil
		}
	}

	return "", "", ErrMissingAuthorization
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// Ensure authService implements AuthService at compile time.
var _ AuthService = (*authService)(nil)
