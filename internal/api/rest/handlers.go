// Package rest exposes the claim engine over HTTP/JSON.
package rest

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/sealpost/sealpost/internal/claim"
	apperrors "github.com/sealpost/sealpost/internal/platform/errors"
)

// maxPayloadBytes bounds uploaded ciphertext (16 MiB).
const maxPayloadBytes = 16 << 20

// Server routes HTTP requests to the claim service.
type Server struct {
	service *claim.Service
	logger  *log.Logger
}

// NewServer constructs the HTTP layer over the claim service.
func NewServer(service *claim.Service, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{service: service, logger: logger}
}

// RegisterRoutes attaches all API routes to the mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/send", s.handleSend)
	mux.HandleFunc("/api/claim", s.handleClaim)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/read", s.handleRead)
	mux.HandleFunc("/api/upload", s.handleUpload)
	mux.HandleFunc("/api/download", s.handleDownload)
	mux.HandleFunc("/api/certificate", s.handleCertificate)
	mux.HandleFunc("/healthz", s.handleHealth)
}

type sendRequest struct {
	RecipientEmail     string `json:"recipient_email"`
	ContentFingerprint string `json:"content_fingerprint"`
	Content            string `json:"content,omitempty"`
	DecryptionKey      string `json:"decryption_key,omitempty"`
	Anchor             bool   `json:"anchor,omitempty"`
	ProjectName        string `json:"project_name,omitempty"`
	AuthorName         string `json:"author_name,omitempty"`
}

type sendResponse struct {
	Identity string `json:"identity"`
	Salt     string `json:"salt"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var request sendRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "request body is not valid json"))
		return
	}

	var content []byte
	if request.Content != "" {
		decoded, err := base64.StdEncoding.DecodeString(request.Content)
		if err != nil {
			s.writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "content must be base64"))
			return
		}
		content = decoded
	}

	result, err := s.service.Send(r.Context(), claim.SendInput{
		RecipientEmail:     request.RecipientEmail,
		ContentFingerprint: request.ContentFingerprint,
		Content:            content,
		DecryptionKey:      request.DecryptionKey,
		Anchor:             request.Anchor,
		ProjectName:        request.ProjectName,
		AuthorName:         request.AuthorName,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, sendResponse{Identity: result.Identity, Salt: result.Salt})
}

type claimRequest struct {
	Identity string `json:"identity"`
	Passcode string `json:"passcode"`
	Salt     string `json:"salt"`
}

type claimResponse struct {
	Status              string `json:"status"`
	SettlementReference string `json:"settlement_reference,omitempty"`
	DownloadGrant       string `json:"download_grant,omitempty"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var request claimRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "request body is not valid json"))
		return
	}

	result, err := s.service.Claim(r.Context(), claim.ClaimInput{
		Identity: request.Identity,
		Passcode: request.Passcode,
		Salt:     request.Salt,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, claimResponse{
		Status:              result.Status,
		SettlementReference: result.SettlementReference,
		DownloadGrant:       result.DownloadGrant,
	})
}

type statusResponse struct {
	Identity            string `json:"identity"`
	Status              string `json:"status"`
	Attempts            int    `json:"attempts"`
	Kind                string `json:"kind,omitempty"`
	ContentFingerprint  string `json:"content_fingerprint"`
	SettlementReference string `json:"settlement_reference,omitempty"`
	CreatedAt           string `json:"created_at,omitempty"`
	SignedAt            string `json:"signed_at,omitempty"`
	ReadAt              string `json:"read_at,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	identity := r.URL.Query().Get("id")
	result, err := s.service.Status(r.Context(), identity)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, statusResponse{
		Identity:            result.Identity,
		Status:              string(result.Status),
		Attempts:            result.Attempts,
		Kind:                string(result.Kind),
		ContentFingerprint:  result.ContentFingerprint,
		SettlementReference: result.SettlementReference,
		CreatedAt:           result.CreatedAt,
		SignedAt:            result.SignedAt,
		ReadAt:              result.ReadAt,
	})
}

type readRequest struct {
	Identity string `json:"identity"`
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var request readRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "request body is not valid json"))
		return
	}
	if err := s.service.MarkRead(r.Context(), request.Identity); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	identity := r.URL.Query().Get("id")
	content, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		s.writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "payload read failed"))
		return
	}
	if err := s.service.Upload(r.Context(), identity, content); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]bool{"ok": true})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	identity := r.URL.Query().Get("id")
	content, err := s.service.Download(r.Context(), identity, bearerToken(r), r.Header.Get("X-Auth-Passcode"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

func (s *Server) handleCertificate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	identity := r.URL.Query().Get("id")
	content, err := s.service.Certificate(r.Context(), identity)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func bearerToken(r *http.Request) string {
	authorization := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(authorization) > len(prefix) && authorization[:len(prefix)] == prefix {
		return authorization[len(prefix):]
	}
	// The grant can also ride the query string for direct link downloads.
	return r.URL.Query().Get("grant")
}

type errorResponse struct {
	Error    string            `json:"error"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		s.writeJSON(w, appErr.Code.HTTPStatus(), errorResponse{
			Error:    string(appErr.Code),
			Message:  appErr.Message,
			Metadata: appErr.Metadata,
		})
		return
	}
	s.logger.Printf("internal error: %v", err)
	s.writeJSON(w, http.StatusInternalServerError, errorResponse{
		Error:   string(apperrors.CodeUnknown),
		Message: "internal error",
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Printf("encode response: %v", err)
	}
}
