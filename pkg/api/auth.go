package api

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/modusec/blacklist/pkg/types"
)

// requireAuth admits requests carrying the static API key or a valid
// HMAC-signed bearer token. Either mechanism alone is sufficient.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKeyOK(r) || s.jwtOK(r) {
			next.ServeHTTP(w, r)
			return
		}
		writeError(w, types.E(types.KindAuthFailed, "missing or invalid credentials"))
	})
}

func (s *Server) apiKeyOK(r *http.Request) bool {
	if s.cfg.DefaultAPIKey == "" {
		return false
	}
	key := r.Header.Get("X-API-Key")
	return key != "" && subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.DefaultAPIKey)) == 1
}

func (s *Server) jwtOK(r *http.Request) bool {
	if s.cfg.JWTSecretKey == "" {
		return false
	}
	header := r.Header.Get("Authorization")
	raw, found := strings.CutPrefix(header, "Bearer ")
	if !found || raw == "" {
		return false
	}
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecretKey), nil
	})
	return err == nil && token.Valid
}
