// Package service exposes the relay's administrative control plane over
// HTTP: runtime stats, and the identity endpoints used by the admin CLI to
// inspect and rotate the signing identity.
package service

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/overpassnet/overpass/src/identity"
	"github.com/overpassnet/overpass/src/keys"
)

// SetIdentityRequest is the body of POST /identity. Exactly one of Keyfile
// or Key is expected: a path to a keyfile on the relay host, or a raw hex
// key dump.
type SetIdentityRequest struct {
	Keyfile string `json:"keyfile"`
	Key     string `json:"key"`
}

// IdentityResponse is the body of GET /identity.
type IdentityResponse struct {
	Identity string `json:"identity"`
	Expected string `json:"expected,omitempty"`
}

// Service is the admin HTTP server.
type Service struct {
	sync.Mutex

	bindAddress string
	identity    *identity.Manager
	stats       func() map[string]string
	server      *http.Server
	logger      *logrus.Entry
}

// NewService creates the admin service. stats is polled on every /stats
// request.
func NewService(
	bindAddress string,
	identityMan *identity.Manager,
	stats func() map[string]string,
	logger *logrus.Entry,
) *Service {
	service := &Service{
		bindAddress: bindAddress,
		identity:    identityMan,
		stats:       stats,
		logger:      logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/stats", service.makeHandler(service.GetStats))
	mux.HandleFunc("/identity", service.makeHandler(service.Identity))
	mux.HandleFunc("/identity/reset", service.makeHandler(service.ResetIdentity))

	service.server = &http.Server{
		Addr:    bindAddress,
		Handler: mux,
	}

	return service
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Lock()
		defer s.Unlock()

		fn(w, r)
	}
}

// Serve calls ListenAndServe. This is a blocking call; it returns once
// Shutdown is invoked.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("serving admin API")

	err := s.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		s.logger.Error(err)
	}
}

// Shutdown closes the server. Safe to call more than once.
func (s *Service) Shutdown() {
	if err := s.server.Close(); err != nil {
		s.logger.WithError(err).Debug("closing admin API")
	}
}

// GetStats handles GET /stats.
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(s.stats())
}

// Identity handles GET and POST /identity.
func (s *Service) Identity(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(IdentityResponse{
			Identity: s.identity.PubKeyHex(),
			Expected: s.identity.Expected(),
		})

	case http.MethodPost:
		req := SetIdentityRequest{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var err error
		switch {
		case req.Keyfile != "":
			err = s.identity.SetKeypairFromFile(req.Keyfile)
		case req.Key != "":
			err = s.setFromHex(req.Key)
		default:
			http.Error(w, "keyfile or key required", http.StatusBadRequest)
			return
		}

		if err != nil {
			s.logger.WithError(err).Error("identity rotation failed")
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(IdentityResponse{Identity: s.identity.PubKeyHex()})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Service) setFromHex(raw string) error {
	d, err := hex.DecodeString(raw)
	if err != nil {
		return fmt.Errorf("invalid key dump: %v", err)
	}
	key, err := keys.ParsePrivateKey(d)
	if err != nil {
		return err
	}
	return s.identity.SetKeypair(key)
}

// ResetIdentity handles POST /identity/reset.
func (s *Service) ResetIdentity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.identity.Reset(); err != nil {
		s.logger.WithError(err).Error("identity reset failed")
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(IdentityResponse{Identity: s.identity.PubKeyHex()})
}
