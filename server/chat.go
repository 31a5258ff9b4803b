package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/richinex/parley/agent"
	"github.com/richinex/parley/model"
	"github.com/richinex/parley/quota"
	"github.com/richinex/parley/sse"
	"github.com/richinex/parley/storage"
	"github.com/richinex/parley/tools"
)

// HeaderChatID carries the chat id of a streamed turn, so a client that sent
// no id can continue the chat.
const HeaderChatID = "X-Chat-ID"

type chatRequest struct {
	ID         string          `json:"id,omitempty"`
	Messages   []model.Message `json:"messages"`
	Regenerate bool            `json:"regenerate,omitempty"`
}

func (c chatRequest) validate() error {
	for i, m := range c.Messages {
		if !m.Role.Valid() {
			return invalidRequest("messages[%d]: unknown role %q", i, m.Role)
		}
	}
	if c.Regenerate {
		if c.ID == "" && model.LastUserMessage(c.Messages) < 0 {
			return invalidRequest("regenerate needs a chat id or a user message")
		}
		return nil
	}
	if len(c.Messages) == 0 {
		return invalidRequest("messages must not be empty")
	}
	last := c.Messages[len(c.Messages)-1]
	if last.Role != model.RoleUser {
		return invalidRequest("the last message must come from the user")
	}
	if last.Content == "" && len(last.Attachments) == 0 {
		return invalidRequest("the last message is empty")
	}
	return nil
}

// handleChat runs one turn and streams it as server-sent events.
//
// Nothing is persisted and no quota is used when the turn fails before the
// model is called. Otherwise the transcript is saved whatever state the turn
// ended in, including a client disconnect.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, _ := UserFrom(ctx)

	var req chatRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeMappedError(w, err)
		return
	}
	if err := req.validate(); err != nil {
		writeMappedError(w, err)
		return
	}

	usage, err := s.admit(ctx, userID, req.Regenerate)
	if err != nil {
		if errors.Is(err, quota.ErrQuotaExceeded) {
			retry := int(time.Until(usage.ResetAt).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(max(retry, 1)))
		}
		s.logError("quota check", userID, err)
		writeMappedError(w, err)
		return
	}

	// Until the model is called, every exit gives the reservation back.
	started := false
	defer func() {
		if !started && !req.Regenerate {
			s.release(ctx, userID, usage)
		}
	}()

	chat, err := s.prepareChat(ctx, userID, req)
	if err != nil {
		s.logError("prepare chat", userID, err)
		writeMappedError(w, err)
		return
	}

	registry, err := s.buildRegistry(ctx, userID)
	if err != nil {
		s.logError("build tool registry", userID, err)
		writeMappedError(w, err)
		return
	}

	instruction, err := s.store.Instruction(ctx, userID)
	if err != nil {
		s.logger.Warn("failed to load standing instruction", zap.String("user_id", userID), zap.Error(err))
		instruction = ""
	}

	history, assembleErr := s.assembler.Assemble(ctx, chat.Messages, instruction)

	w.Header().Set(HeaderChatID, chat.ID)
	stream := sse.NewWriter(w)
	defer stream.Close()

	if assembleErr != nil {
		s.logger.Warn("turn aborted before model call",
			zap.String("chat_id", chat.ID),
			zap.String("user_id", userID),
			zap.Error(assembleErr))
		_ = stream.Send(agent.ErrorEvent(assembleErr))
		return
	}

	started = true
	sink := agent.EventSinkFunc(func(_ context.Context, event agent.Event) error {
		return stream.Send(event)
	})
	outcome := s.orchestrator.Run(ctx, agent.Turn{ChatID: chat.ID, UserID: userID, History: history}, registry, sink)

	// The client may be gone; bookkeeping still has to happen.
	bookkeeping, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	chat.Messages = append(chat.Messages, outcome.Transcript()...)
	if err := s.store.Save(bookkeeping, chat); err != nil {
		s.logger.Error("failed to save transcript",
			zap.String("chat_id", chat.ID),
			zap.String("user_id", userID),
			zap.Error(err))
	}
}

// admit reserves quota for a counted turn. Regenerating only checks it.
func (s *Server) admit(ctx context.Context, userID string, regenerate bool) (quota.Usage, error) {
	if regenerate {
		return s.gate.Check(ctx, userID)
	}
	return s.gate.Reserve(ctx, userID)
}

func (s *Server) release(ctx context.Context, userID string, usage quota.Usage) {
	bookkeeping, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := s.gate.Release(bookkeeping, userID, usage); err != nil {
		s.logger.Error("failed to release quota", zap.String("user_id", userID), zap.Error(err))
	}
}

// prepareChat returns the chat record the turn extends, holding every
// message up to and including the user message being answered.
//
// A stored chat keeps its own history and gains only the request's last
// message. A new chat starts from the request's messages with tool entries
// stripped.
func (s *Server) prepareChat(ctx context.Context, userID string, req chatRequest) (model.Chat, error) {
	if req.ID != "" {
		stored, err := s.store.Load(ctx, req.ID)
		switch {
		case err == nil:
			if stored.UserID != userID {
				return model.Chat{}, storage.ErrChatOwnership
			}
			return continueChat(stored, req)
		case !errors.Is(err, storage.ErrChatNotFound):
			return model.Chat{}, fmt.Errorf("failed to load chat: %w", err)
		}
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	messages := sanitize(req.Messages)
	if req.Regenerate {
		messages = throughLastUser(messages)
	}
	if model.LastUserMessage(messages) < 0 {
		return model.Chat{}, invalidRequest("no user message to answer")
	}
	return model.Chat{
		ID:        id,
		UserID:    userID,
		Title:     model.DeriveTitle(messages),
		CreatedAt: time.Now().UTC(),
		Messages:  messages,
	}, nil
}

func continueChat(stored model.Chat, req chatRequest) (model.Chat, error) {
	if req.Regenerate {
		stored.Messages = throughLastUser(stored.Messages)
		if len(stored.Messages) == 0 {
			return model.Chat{}, invalidRequest("chat %s has no user message to regenerate", stored.ID)
		}
		return stored, nil
	}

	latest := sanitize(req.Messages[len(req.Messages)-1:])
	stored.Messages = append(stored.Messages, latest...)
	if stored.Title == "" {
		stored.Title = model.DeriveTitle(stored.Messages)
	}
	return stored, nil
}

// sanitize keeps client-supplied user and model text only. Tool traffic is
// produced server side and never accepted from a client.
func sanitize(messages []model.Message) []model.Message {
	now := time.Now().UTC()
	out := make([]model.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == model.RoleTool {
			continue
		}
		if m.Role == model.RoleModel && m.Content == "" && len(m.Attachments) == 0 {
			continue
		}
		clean := model.Message{
			ID:          m.ID,
			Role:        m.Role,
			Content:     m.Content,
			Attachments: m.Attachments,
			Timestamp:   m.Timestamp,
		}
		if clean.ID == "" {
			clean.ID = uuid.NewString()
		}
		if clean.Timestamp.IsZero() {
			clean.Timestamp = now
		}
		out = append(out, clean)
	}
	return out
}

// throughLastUser drops everything after the last user message.
func throughLastUser(messages []model.Message) []model.Message {
	return messages[:model.LastUserMessage(messages)+1]
}

func (s *Server) buildRegistry(ctx context.Context, userID string) (*tools.Registry, error) {
	grants, err := s.store.Grants(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load grants: %w", err)
	}
	return s.catalog.Build(grants)
}

func (s *Server) logError(op, userID string, err error) {
	status, _ := mapError(err)
	if status < http.StatusInternalServerError {
		return
	}
	s.logger.Error(op+" failed", zap.String("user_id", userID), zap.Error(err))
}
