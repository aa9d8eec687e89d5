package session

import (
	"fmt"
	"time"

	"sevak/internal/flow"
)

// Key identifies one conversation: the tenant and the user's stable channel
// address (phone number).
type Key struct {
	TenantID string
	UserID   string
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s", k.TenantID, k.UserID)
}

// FlowCursor records which step of which flow the conversation is paused at.
type FlowCursor struct {
	FlowID string `json:"flowId"`
	StepID string `json:"stepId"`
}

// PendingInput describes an outstanding free-text capture: where to store
// the answer, how to validate it, and where to resume.
type PendingInput struct {
	Field      string           `json:"field"`
	Validation *flow.Validation `json:"validation,omitempty"`
	NextStepID string           `json:"nextStepId,omitempty"`
}

// PendingMedia describes an outstanding media capture.
type PendingMedia struct {
	Field      string `json:"field"`
	MediaType  string `json:"mediaType,omitempty"`
	Optional   bool   `json:"optional"`
	NextStepID string `json:"nextStepId,omitempty"`
}

// Session is the durable per-user, per-tenant conversation state. At most
// one pending interaction exists at a time: either AwaitingInput,
// AwaitingMedia, or one outstanding choice prompt with its mapping.
type Session struct {
	TenantID      string            `json:"tenantId"`
	UserID        string            `json:"userId"`
	Language      string            `json:"language,omitempty"`
	Flow          *FlowCursor       `json:"flow,omitempty"`
	Data          map[string]any    `json:"data"`
	AwaitingInput *PendingInput     `json:"awaitingInput,omitempty"`
	AwaitingMedia *PendingMedia     `json:"awaitingMedia,omitempty"`
	ButtonMapping map[string]string `json:"buttonMapping,omitempty"`
	ListMapping   map[string]string `json:"listMapping,omitempty"`
	LastActivity  time.Time         `json:"lastActivity"`
	Active        bool              `json:"active"`
}

// New returns a fresh default session for a key: default language unset, no
// active flow, empty data bag.
func New(key Key) *Session {
	return &Session{
		TenantID:     key.TenantID,
		UserID:       key.UserID,
		Data:         map[string]any{},
		LastActivity: time.Now(),
		Active:       true,
	}
}

// Normalize repairs a decoded session so callers can write into it:
// serialized forms without a data bag decode to a nil map.
func (s *Session) Normalize() {
	if s.Data == nil {
		s.Data = map[string]any{}
	}
}

// Key returns the session's compound key.
func (s *Session) Key() Key {
	return Key{TenantID: s.TenantID, UserID: s.UserID}
}

// SetPrompt atomically replaces the previous pending interaction with a new
// choice prompt mapping. Button and list prompts are mutually exclusive.
func (s *Session) SetPrompt(buttons, list map[string]string) {
	s.AwaitingInput = nil
	s.AwaitingMedia = nil
	s.ButtonMapping = buttons
	s.ListMapping = list
}

// SetAwaitingInput replaces any pending interaction with a free-text wait.
func (s *Session) SetAwaitingInput(pending *PendingInput) {
	s.ButtonMapping = nil
	s.ListMapping = nil
	s.AwaitingMedia = nil
	s.AwaitingInput = pending
}

// SetAwaitingMedia replaces any pending interaction with a media wait.
func (s *Session) SetAwaitingMedia(pending *PendingMedia) {
	s.ButtonMapping = nil
	s.ListMapping = nil
	s.AwaitingInput = nil
	s.AwaitingMedia = pending
}

// ClearPending drops every pending interaction marker.
func (s *Session) ClearPending() {
	s.AwaitingInput = nil
	s.AwaitingMedia = nil
	s.ButtonMapping = nil
	s.ListMapping = nil
}

// ResetFlow drops the flow cursor, collected data, and pending interactions,
// keeping identity and language.
func (s *Session) ResetFlow() {
	s.Flow = nil
	s.Data = map[string]any{}
	s.ClearPending()
}

// Clone returns a deep-enough copy for the process-local tier, so callers
// mutating a loaded session never alias the stored one.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	if s.Flow != nil {
		cursor := *s.Flow
		clone.Flow = &cursor
	}
	if s.AwaitingInput != nil {
		pending := *s.AwaitingInput
		clone.AwaitingInput = &pending
	}
	if s.AwaitingMedia != nil {
		pending := *s.AwaitingMedia
		clone.AwaitingMedia = &pending
	}
	if s.Data != nil {
		clone.Data = make(map[string]any, len(s.Data))
		for k, v := range s.Data {
			clone.Data[k] = v
		}
	}
	if s.ButtonMapping != nil {
		clone.ButtonMapping = make(map[string]string, len(s.ButtonMapping))
		for k, v := range s.ButtonMapping {
			clone.ButtonMapping[k] = v
		}
	}
	if s.ListMapping != nil {
		clone.ListMapping = make(map[string]string, len(s.ListMapping))
		for k, v := range s.ListMapping {
			clone.ListMapping[k] = v
		}
	}
	return &clone
}
