// Package server exposes the messenger HTTP API. Authentication is a bearer
// token verified against the auth service's JWKS; the token subject is the
// user id.
package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"cipherchat/internal/ratelimit"
	"cipherchat/internal/usertoken"
	"cipherchat/internal/util"
	"cipherchat/pkg/domain"
	"cipherchat/pkg/storage"
	"cipherchat/services/messenger/internal/app"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	TokenVerifier *usertoken.Verifier
	SendLimiter   *ratelimit.FixedWindowLimiter
}

// Server exposes HTTP endpoints for the messenger service.
type Server struct {
	app           *app.App
	tokenVerifier *usertoken.Verifier
	sendLimiter   *ratelimit.FixedWindowLimiter
	mux           *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:           cfg.App,
		tokenVerifier: cfg.TokenVerifier,
		sendLimiter:   cfg.SendLimiter,
		mux:           http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler wrapped in the shared middleware.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("messenger",
		util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.Handle("/api/keys", s.authenticated(s.handleKeys))
	s.mux.Handle("/api/users/", s.authenticated(s.handleUserByName))

	s.mux.Handle("/api/conversations", s.authenticated(s.handleConversations))
	s.mux.Handle("/api/conversations/", s.authenticated(s.handleConversationByID))

	s.mux.Handle("/api/messages/", s.authenticated(s.handleMessageByID))
	s.mux.Handle("/api/attachments/presign", s.authenticated(s.handlePresign))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type authHandler func(http.ResponseWriter, *http.Request, string)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		userID, err := s.tokenVerifier.VerifySubject(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, userID)
	})
}

// POST /api/keys registers identity key material; GET returns the caller's
// own bundle for vault unlock.
func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request, userID string) {
	switch r.Method {
	case http.MethodPost:
		var req keysRequest
		if !decodeBody(w, r, &req) {
			return
		}
		err := s.app.SetupKeys(r.Context(), userID, req.Name, req.DisplayName, req.PublicKey, domain.WrappedPrivateKey{
			Ciphertext: req.EncryptedPrivateKey,
			Nonce:      req.KeyNonce,
			KDFSalt:    req.KDFSalt,
		})
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"status": "ok"})
	case http.MethodGet:
		keys, err := s.app.Keys(r.Context(), userID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, keys)
	default:
		methodNotAllowed(w)
	}
}

// GET /api/users/{name}/key returns a peer's public profile.
func (s *Server) handleUserByName(w http.ResponseWriter, r *http.Request, _ string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/users/")
	name, tail, _ := strings.Cut(rest, "/")
	if name == "" || (tail != "" && tail != "key") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	user, err := s.app.PeerProfile(r.Context(), name)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// GET /api/conversations lists the sidebar; POST creates a conversation.
func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request, userID string) {
	switch r.Method {
	case http.MethodGet:
		views, err := s.app.ListConversations(r.Context(), userID, r.URL.Query().Get("active"))
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, views)
	case http.MethodPost:
		var req createConversationRequest
		if !decodeBody(w, r, &req) {
			return
		}
		var (
			conv domain.Conversation
			err  error
		)
		switch req.Type {
		case "", string(domain.ConversationDirect):
			conv, err = s.app.CreateDirect(r.Context(), userID, req.TargetName)
		case string(domain.ConversationGroup):
			conv, err = s.app.CreateGroup(r.Context(), userID, req.Title)
		default:
			writeError(w, http.StatusBadRequest, "unknown conversation type")
			return
		}
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, conv)
	default:
		methodNotAllowed(w)
	}
}

// Routes under /api/conversations/{id}/...
func (s *Server) handleConversationByID(w http.ResponseWriter, r *http.Request, userID string) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	conversationID, tail, _ := strings.Cut(rest, "/")
	if conversationID == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	switch tail {
	case "":
		if r.Method != http.MethodDelete {
			methodNotAllowed(w)
			return
		}
		if err := s.app.DeleteConversation(r.Context(), userID, conversationID); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	case "messages":
		s.handleMessages(w, r, userID, conversationID)
	case "read":
		s.handleMarkRead(w, r, userID, conversationID)
	case "attachments":
		s.handleUploadAttachment(w, r, userID, conversationID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, userID, conversationID string) {
	switch r.Method {
	case http.MethodGet:
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			limit = n
		}
		msgs, err := s.app.Messages(r.Context(), userID, conversationID, limit, r.URL.Query().Get("cursor"))
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, msgs)
	case http.MethodPost:
		if !s.allowSend(w, userID) {
			return
		}
		var req sendMessageRequest
		if !decodeBody(w, r, &req) {
			return
		}
		stored, err := s.app.Send(r.Context(), userID, domain.Message{
			ID:               req.ID,
			ConversationID:   conversationID,
			Type:             domain.MessageType(req.Type),
			Content:          req.Ciphertext,
			IV:               req.IV,
			ReplyToMessageID: req.ReplyTo,
			Attachments:      req.Attachments,
		})
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, stored)
	case http.MethodDelete:
		var req deleteMessagesRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := s.app.Delete(r.Context(), userID, conversationID, req.IDs); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, userID, conversationID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req markReadRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.app.MarkRead(r.Context(), userID, conversationID, req.MessageID); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUploadAttachment(w http.ResponseWriter, r *http.Request, userID, conversationID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	body := io.LimitReader(r.Body, storage.MaxAttachmentSize+1)
	att, err := s.app.UploadAttachment(r.Context(), userID, conversationID, contentType, body, r.ContentLength)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, att)
}

// PATCH /api/messages/{id} edits a message body.
func (s *Server) handleMessageByID(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPatch {
		methodNotAllowed(w)
		return
	}
	messageID := strings.TrimPrefix(r.URL.Path, "/api/messages/")
	if messageID == "" || strings.Contains(messageID, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	var req editMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	stored, err := s.app.Edit(r.Context(), userID, messageID, req.Ciphertext, req.IV)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

// GET /api/attachments/presign?key= returns a download URL.
func (s *Server) handlePresign(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	url, err := s.app.AttachmentURL(r.Context(), userID, r.URL.Query().Get("key"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) allowSend(w http.ResponseWriter, userID string) bool {
	if s.sendLimiter == nil {
		return true
	}
	if !s.sendLimiter.Allow(userID) {
		writeError(w, http.StatusTooManyRequests, "too many messages")
		return false
	}
	return true
}

type keysRequest struct {
	Name                string `json:"name"`
	DisplayName         string `json:"displayName"`
	PublicKey           string `json:"publicKey"`
	EncryptedPrivateKey string `json:"encryptedPrivateKey"`
	KeyNonce            string `json:"keyNonce"`
	KDFSalt             string `json:"kdfSalt"`
}

type createConversationRequest struct {
	Type       string `json:"type"`
	TargetName string `json:"targetName"`
	Title      string `json:"title"`
}

type sendMessageRequest struct {
	ID          string              `json:"id"`
	Type        string              `json:"type"`
	Ciphertext  string              `json:"ciphertext"`
	IV          string              `json:"iv"`
	ReplyTo     string              `json:"replyTo"`
	Attachments []domain.Attachment `json:"attachments"`
}

type editMessageRequest struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
}

type deleteMessagesRequest struct {
	IDs []string `json:"ids"`
}

type markReadRequest struct {
	MessageID string `json:"messageId"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeAppError(w http.ResponseWriter, err error) {
	writeError(w, app.HTTPStatus(err), err.Error())
}

func bearerToken(r *http.Request) (string, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}
