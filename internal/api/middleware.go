/**
 * @description
 * Authentication middleware for the payment-intent-service. Bearer JWTs are
 * mapped to a domain.AuthorizationContext (subject plus capability claims);
 * server-to-server callers authenticate with X-Internal-API-Key.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: token parsing and validation.
 */
package api

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bloom/payment-intent-service/internal/domain"
)

type contextKey string

const authContextKey = contextKey("authorization")

// AuthConfig selects how bearer tokens are verified. RS256 keys come from
// JWKSURL; HS256 tokens are accepted only when HMACSecret is set.
type AuthConfig struct {
	JWKSURL    string
	HMACSecret string
	Issuer     string
}

// JWTAuthMiddleware validates bearer tokens and stores the caller's
// AuthorizationContext in the request context.
func JWTAuthMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	keys := newJWKSKeySource(cfg.JWKSURL)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Authorization header required")
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid Authorization header format")
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				switch token.Method.(type) {
				case *jwt.SigningMethodRSA:
					kid, ok := token.Header["kid"].(string)
					if !ok {
						return nil, fmt.Errorf("kid not found in token header")
					}
					return keys.publicKey(kid)
				case *jwt.SigningMethodHMAC:
					if cfg.HMACSecret == "" {
						return nil, fmt.Errorf("hmac tokens are not accepted")
					}
					return []byte(cfg.HMACSecret), nil
				default:
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
			})
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid token")
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid token claims")
				return
			}
			if cfg.Issuer != "" {
				if iss, _ := claims["iss"].(string); iss != cfg.Issuer {
					writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid issuer")
					return
				}
			}

			subject, _ := claims["sub"].(string)
			if strings.TrimSpace(subject) == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Subject not found in token")
				return
			}

			auth := domain.NewAuthorizationContext(subject, capabilityClaims(claims["caps"])...)
			next.ServeHTTP(w, r.WithContext(WithAuthorization(r.Context(), auth)))
		})
	}
}

// InternalAuthMiddleware validates the internal API key for server-to-server
// calls and grants the system capabilities (monitor and operator).
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get("X-Internal-API-Key")
			if requiredKey == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(requiredKey)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAuthorization(r.Context(), domain.SystemAuthorization())))
		})
	}
}

// WithAuthorization stores auth in ctx.
func WithAuthorization(ctx context.Context, auth domain.AuthorizationContext) context.Context {
	return context.WithValue(ctx, authContextKey, auth)
}

// AuthorizationFromContext retrieves the caller set by one of the middlewares.
func AuthorizationFromContext(ctx context.Context) (domain.AuthorizationContext, bool) {
	auth, ok := ctx.Value(authContextKey).(domain.AuthorizationContext)
	return auth, ok
}

// capabilityClaims accepts either a JSON array or a space separated string.
func capabilityClaims(raw interface{}) []string {
	switch v := raw.(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		caps := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				caps = append(caps, s)
			}
		}
		return caps
	}
	return nil
}

type jwksKeySource struct {
	url    string
	client *http.Client

	mu   sync.RWMutex
	keys map[string]*rsa.PublicKey
}

func newJWKSKeySource(url string) *jwksKeySource {
	return &jwksKeySource{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		keys:   make(map[string]*rsa.PublicKey),
	}
}

// publicKey returns the cached key for kid, refreshing the set on a miss.
func (s *jwksKeySource) publicKey(kid string) (*rsa.PublicKey, error) {
	s.mu.RLock()
	key, ok := s.keys[kid]
	s.mu.RUnlock()
	if ok {
		return key, nil
	}
	if s.url == "" {
		return nil, fmt.Errorf("no jwks url configured")
	}
	if err := s.refresh(); err != nil {
		return nil, fmt.Errorf("failed to get public key: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if key, ok := s.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("key with kid %s not found", kid)
}

func (s *jwksKeySource) refresh() error {
	resp, err := s.client.Get(s.url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks endpoint returned %d", resp.StatusCode)
	}

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return err
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kty != "" && k.Kty != "RSA" {
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			return fmt.Errorf("key %s: %w", k.Kid, err)
		}
		keys[k.Kid] = pub
	}

	s.mu.Lock()
	s.keys = keys
	s.mu.Unlock()
	return nil
}

func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	var exp uint64
	for _, b := range eb {
		exp = (exp << 8) | uint64(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: int(exp)}, nil
}
