package web

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"

	log "github.com/go-pkgz/lgr"
	"golang.org/x/crypto/bcrypt"
)

// webhookTokenHeader carries the shared secret of the workflow engine
const webhookTokenHeader = "X-Webhook-Token"

// webhookAuth checks webhook token against bcrypt hash, passes everything if no hash configured
func (s *Server) webhookAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.secretHash == "" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get(webhookTokenHeader)
		if token != "" && s.validToken(token) {
			next.ServeHTTP(w, r)
			return
		}

		log.Printf("[WARN] rejected webhook %s from %s, invalid token", r.URL.Path, r.RemoteAddr)
		s.writeJSONError(w, http.StatusUnauthorized, "unauthorized")
	})
}

// validToken compares token with the hash. The last accepted token is remembered as sha256
// to skip bcrypt on every delivery.
func (s *Server) validToken(token string) bool {
	h := sha256.Sum256([]byte(token))
	digest := hex.EncodeToString(h[:])

	s.tokenMu.Lock()
	cached := s.tokenCache
	s.tokenMu.Unlock()
	if cached != "" && cached == digest {
		return true
	}

	if err := bcrypt.CompareHashAndPassword([]byte(s.secretHash), []byte(token)); err != nil {
		return false
	}
	s.tokenMu.Lock()
	s.tokenCache = digest
	s.tokenMu.Unlock()
	return true
}
