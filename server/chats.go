package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/richinex/parley/model"
	"github.com/richinex/parley/quota"
	"github.com/richinex/parley/storage"
)

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFrom(r.Context())
	chats, err := s.store.ListByUser(r.Context(), userID)
	if err != nil {
		s.logError("list chats", userID, err)
		writeMappedError(w, err)
		return
	}
	if chats == nil {
		chats = []storage.ChatSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFrom(r.Context())
	chat, err := s.ownedChat(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		s.logError("load chat", userID, err)
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFrom(r.Context())
	chat, err := s.ownedChat(r.Context(), userID, r.PathValue("id"))
	if err == nil {
		err = s.store.Delete(r.Context(), chat.ID)
	}
	if err != nil {
		s.logError("delete chat", userID, err)
		writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) ownedChat(ctx context.Context, userID, chatID string) (model.Chat, error) {
	chat, err := s.store.Load(ctx, chatID)
	if err != nil {
		return model.Chat{}, err
	}
	if chat.UserID != userID {
		return model.Chat{}, storage.ErrChatOwnership
	}
	return chat, nil
}

type usageResponse struct {
	Count    int       `json:"count"`
	Limit    int       `json:"limit"`
	ResetAt  time.Time `json:"resetAt"`
	Exceeded bool      `json:"exceeded"`
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFrom(r.Context())
	usage, err := s.gate.Check(r.Context(), userID)
	exceeded := errors.Is(err, quota.ErrQuotaExceeded)
	if err != nil && !exceeded {
		s.logError("quota check", userID, err)
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usageResponse{
		Count:    usage.Count,
		Limit:    usage.Limit,
		ResetAt:  usage.ResetAt,
		Exceeded: exceeded,
	})
}

type integrationStatus struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

func (s *Server) handleListIntegrations(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFrom(r.Context())
	grants, err := s.store.Grants(r.Context(), userID)
	if err != nil {
		s.logError("list grants", userID, err)
		writeMappedError(w, err)
		return
	}
	enabled := make(map[string]bool, len(grants))
	for _, g := range grants {
		enabled[g.Integration] = true
	}

	names := s.catalog.Integrations()
	out := make([]integrationStatus, 0, len(names))
	for _, name := range names {
		out = append(out, integrationStatus{Name: name, Enabled: enabled[name] || s.catalog.AlwaysOn(name)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"integrations": out})
}

type grantRequest struct {
	Credential string `json:"credential,omitempty"`
}

func (s *Server) handlePutIntegration(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFrom(r.Context())
	name := r.PathValue("name")
	if !s.catalog.Has(name) {
		writeMappedError(w, fmt.Errorf("%w: integration %q", errNotFound, name))
		return
	}

	var req grantRequest
	if r.ContentLength != 0 {
		if err := decodeJSONBody(r, &req); err != nil {
			writeMappedError(w, err)
			return
		}
	}

	grant := model.Grant{
		UserID:      userID,
		Integration: name,
		Credential:  req.Credential,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.PutGrant(r.Context(), grant); err != nil {
		s.logError("put grant", userID, err)
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, integrationStatus{Name: name, Enabled: true})
}

func (s *Server) handleDeleteIntegration(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFrom(r.Context())
	if err := s.store.DeleteGrant(r.Context(), userID, r.PathValue("name")); err != nil {
		s.logError("delete grant", userID, err)
		writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type instructionRequest struct {
	Instruction string `json:"instruction"`
}

func (s *Server) handlePutInstruction(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFrom(r.Context())
	var req instructionRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeMappedError(w, err)
		return
	}
	if err := s.store.SetInstruction(r.Context(), userID, req.Instruction); err != nil {
		s.logError("set instruction", userID, err)
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}
