// Package assistant answers users automatically and hands them to human
// support when it cannot help.
package assistant

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-engine/internal/llm"
	"github.com/capitalize-ai/support-engine/internal/model"
	"github.com/capitalize-ai/support-engine/pkg/logger"
	"github.com/capitalize-ai/support-engine/pkg/metrics"
)

// EscalateMarker is emitted by the model when a human should take over.
const EscalateMarker = "[ESCALATE]"

// maxHistory bounds the prior turns sent to the model.
const maxHistory = 20

// Escalation reasons.
const (
	ReasonRequested   = "requested"
	ReasonAssistant   = "assistant"
	ReasonUnavailable = "unavailable"
)

const systemPrompt = `You are the support assistant for a marketplace that connects customers with service providers.
Answer briefly and only about using the platform.
If the user asks for a person, reports a payment or safety problem, or you cannot resolve their issue,
reply with a short hand-off note and include the exact text ` + EscalateMarker + ` on its own line.`

// Reply is the responder's answer.
type Reply struct {
	Text     string
	Escalate bool
}

// Responder produces assistant replies. Implementations are opaque to the
// support engine; only the escalate signal matters to it.
type Responder interface {
	Respond(ctx context.Context, history []llm.ChatMessage) (*Reply, error)
}

// LLMResponder answers with a language model.
type LLMResponder struct {
	client llm.Client
	model  string
}

// NewLLMResponder creates a responder over client. An empty model uses the
// provider default.
func NewLLMResponder(client llm.Client, model string) *LLMResponder {
	return &LLMResponder{client: client, model: model}
}

// Respond asks the model for the next turn.
func (r *LLMResponder) Respond(ctx context.Context, history []llm.ChatMessage) (*Reply, error) {
	msgs := make([]llm.ChatMessage, 0, len(history)+1)
	msgs = append(msgs, llm.ChatMessage{Role: llm.RoleSystem, Content: systemPrompt})
	msgs = append(msgs, history...)

	provider := r.client.Name()
	start := time.Now()
	resp, err := r.client.Complete(ctx, &llm.CompletionRequest{
		Model:       r.model,
		Messages:    msgs,
		Temperature: 0.2,
	})
	if err != nil {
		metrics.RecordLLMRequest(provider, "error", time.Since(start).Seconds(), 0, 0)
		return nil, err
	}
	metrics.RecordLLMRequest(provider, "ok", time.Since(start).Seconds(), resp.TokensIn, resp.TokensOut)
	return ParseReply(resp.Content), nil
}

// ParseReply strips the escalate marker from text.
func ParseReply(text string) *Reply {
	escalate := strings.Contains(text, EscalateMarker)
	text = strings.TrimSpace(strings.ReplaceAll(text, EscalateMarker, ""))
	return &Reply{Text: text, Escalate: escalate}
}

var humanPhrases = []string{
	"talk to a human",
	"speak to a human",
	"real person",
	"talk to someone",
	"speak to someone",
	"human agent",
	"live agent",
	"customer support",
	"contact support",
}

// WantsHuman reports whether the user explicitly asked for a person.
func WantsHuman(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range humanPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// Escalator opens or continues the caller's support conversation.
type Escalator interface {
	CreateOrContinue(ctx context.Context, caller model.Identity, req *model.CreateConversationRequest) (*model.Conversation, bool, error)
}

// Request is a user turn addressed to the assistant.
type Request struct {
	Message string            `json:"message"`
	History []llm.ChatMessage `json:"history,omitempty"`
	Subject string            `json:"subject,omitempty"`
}

// Answer is the assistant's response. When Escalated is set, Conversation
// holds the support ticket the user was handed to.
type Answer struct {
	Reply        string              `json:"reply"`
	Escalated    bool                `json:"escalated"`
	Reason       string              `json:"reason,omitempty"`
	Conversation *model.Conversation `json:"conversation,omitempty"`
}

// Service is the assistant front door.
type Service struct {
	responder Responder
	escalator Escalator
	logger    *logger.Logger
}

// NewService creates the assistant. A nil responder escalates every
// request.
func NewService(responder Responder, escalator Escalator, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Global()
	}
	return &Service{
		responder: responder,
		escalator: escalator,
		logger:    log.With(zap.String("component", "assistant")),
	}
}

// Ask answers req, escalating to human support when the user asks for it,
// the responder signals it, or no responder is available.
func (s *Service) Ask(ctx context.Context, caller model.Identity, req *Request) (*Answer, error) {
	if caller.ID == "" {
		return nil, model.ErrUnauthorized
	}
	text := strings.TrimSpace(req.Message)
	if text == "" {
		return nil, model.Errorf(model.KindValidation, "message is required")
	}

	if WantsHuman(text) {
		return s.escalate(ctx, caller, req, ReasonRequested, "")
	}
	if s.responder == nil {
		return s.escalate(ctx, caller, req, ReasonUnavailable, "")
	}

	history := req.History
	if len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}
	turns := make([]llm.ChatMessage, 0, len(history)+1)
	for _, m := range history {
		if m.Role == llm.RoleUser || m.Role == llm.RoleAssistant {
			turns = append(turns, m)
		}
	}
	turns = append(turns, llm.ChatMessage{Role: llm.RoleUser, Content: text})

	reply, err := s.responder.Respond(ctx, turns)
	if err != nil {
		s.logger.Warn("assistant unavailable, escalating", zap.String("user_id", caller.ID), zap.Error(err))
		return s.escalate(ctx, caller, req, ReasonUnavailable, "")
	}
	if reply.Escalate {
		return s.escalate(ctx, caller, req, ReasonAssistant, reply.Text)
	}
	return &Answer{Reply: reply.Text}, nil
}

func (s *Service) escalate(ctx context.Context, caller model.Identity, req *Request, reason, note string) (*Answer, error) {
	conv, _, err := s.escalator.CreateOrContinue(ctx, caller, &model.CreateConversationRequest{
		Subject:        req.Subject,
		InitialMessage: req.Message,
	})
	if err != nil {
		return nil, err
	}
	metrics.EscalationsTotal.WithLabelValues(reason).Inc()
	s.logger.Info("escalated to human support",
		zap.String("user_id", caller.ID),
		zap.String("conversation_id", conv.ID),
		zap.String("reason", reason))

	if note == "" {
		note = "I've passed your message to our support team. Someone will reply here shortly."
	}
	return &Answer{
		Reply:        note,
		Escalated:    true,
		Reason:       reason,
		Conversation: conv,
	}, nil
}
