package coordinator

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/edgecoder/swarm/internal/signing"
)

var (
	ErrMissingMeshToken = errors.New("coordinator: missing or invalid mesh token")
	ErrMissingSignature = errors.New("coordinator: missing signature headers")
)

// requireMeshToken rejects any request lacking the shared x-mesh-token
// header (spec §4.6: "All request-bearing endpoints require a shared
// mesh token").
func (s *Server) requireMeshToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("x-mesh-token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.meshToken)) != 1 {
			http.Error(w, ErrMissingMeshToken.Error(), http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// verifySigned validates an Ed25519-signed sensitive operation (spec
// §4.6: "sensitive operations require Ed25519 signatures
// (agentId‖timestamp‖nonce‖bodyHash)... with anti-replay via nonce
// cache"). Must be called after the caller has read the request body.
func (s *Server) verifySigned(r *http.Request, body []byte, now time.Time) (agentID string, err error) {
	agentID = r.Header.Get("x-agent-id")
	timestampStr := r.Header.Get("x-timestamp")
	nonce := r.Header.Get("x-nonce")
	signature := r.Header.Get("x-signature")
	if agentID == "" || timestampStr == "" || nonce == "" || signature == "" {
		return "", ErrMissingSignature
	}

	timestampMs, err := strconv.ParseInt(timestampStr, 10, 64)
	if err != nil {
		return "", fmt.Errorf("coordinator: bad x-timestamp: %w", err)
	}

	agent, ok := s.registry.Get(agentID)
	if !ok {
		return "", ErrAgentNotFound
	}

	bodyHash := sha256.Sum256(body)
	message := []byte(fmt.Sprintf("%s|%d|%s|%s", agentID, timestampMs, nonce, hex.EncodeToString(bodyHash[:])))

	if err := signing.VerifyBase64(agent.PublicKey, message, signature); err != nil {
		return "", fmt.Errorf("coordinator: %w", err)
	}
	if err := s.nonces.CheckAndConsume(agentID, nonce, timestampMs, now); err != nil {
		return "", err
	}
	return agentID, nil
}
