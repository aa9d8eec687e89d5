// Package dialog turns inbound channel messages into flow executions. It owns
// the conversation-level policy the step engine stays ignorant of: greetings,
// exits, trigger matching, and resuming a paused flow from the session cursor.
package dialog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"sevak/internal/channel"
	"sevak/internal/engine"
	"sevak/internal/flow"
	"sevak/internal/i18n"
	"sevak/internal/logging"
	"sevak/internal/session"
)

// Kind is the inbound message shape after channel normalization.
type Kind string

const (
	KindText   Kind = "text"
	KindButton Kind = "button"
	KindList   Kind = "list"
	KindMedia  Kind = "media"
)

// Inbound is one user message, already attributed to a tenant.
type Inbound struct {
	TenantID  string
	UserID    string
	MessageID string
	Kind      Kind
	Text      string
	ChoiceID  string
	MediaID   string
}

// greetings restart the conversation from the top regardless of where the
// user currently is.
var greetings = map[string]struct{}{
	"hi": {}, "hii": {}, "hello": {}, "start": {}, "namaste": {},
	"नमस्ते": {}, "restart": {}, "menu": {},
}

// exits end the conversation and drop its state.
var exits = map[string]struct{}{
	"exit": {}, "end": {}, "quit": {}, "stop": {}, "bye": {}, "goodbye": {},
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Sessions   *session.Store
	Flows      flow.Store
	Engine     *engine.Engine
	Sender     channel.Sender
	Translator *i18n.Translator
	Logger     logging.Logger
}

// Orchestrator routes one inbound message to the right engine entry point.
type Orchestrator struct {
	sessions   *session.Store
	flows      flow.Store
	engine     *engine.Engine
	sender     channel.Sender
	translator *i18n.Translator
	logger     logging.Logger
}

// New constructs the orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("dialog requires a session store")
	}
	if cfg.Flows == nil {
		return nil, fmt.Errorf("dialog requires a flow store")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("dialog requires the step engine")
	}
	if cfg.Sender == nil {
		return nil, fmt.Errorf("dialog requires a channel sender")
	}
	if cfg.Translator == nil {
		cfg.Translator = i18n.New()
	}
	return &Orchestrator{
		sessions:   cfg.Sessions,
		flows:      cfg.Flows,
		engine:     cfg.Engine,
		sender:     cfg.Sender,
		translator: cfg.Translator,
		logger:     logging.OrNop(cfg.Logger),
	}, nil
}

// Handle processes one inbound message end to end.
func (o *Orchestrator) Handle(ctx context.Context, msg Inbound) error {
	key := session.Key{TenantID: msg.TenantID, UserID: msg.UserID}
	sess := o.sessions.Load(ctx, key)

	switch msg.Kind {
	case KindText:
		return o.handleText(ctx, sess, msg.Text)
	case KindButton:
		return o.handleChoice(ctx, sess, msg.ChoiceID, false)
	case KindList:
		return o.handleChoice(ctx, sess, msg.ChoiceID, true)
	case KindMedia:
		return o.handleMedia(ctx, sess, msg.MediaID)
	default:
		o.logger.Warn("Dropping message %s with unknown kind %q", msg.MessageID, msg.Kind)
		return nil
	}
}

func (o *Orchestrator) handleText(ctx context.Context, sess *session.Session, text string) error {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return nil
	}

	if _, ok := exits[normalized]; ok {
		goodbye := o.translator.Translate("goodbye", sess.Language)
		if err := o.sender.SendText(ctx, sess.TenantID, sess.UserID, goodbye); err != nil {
			o.logger.Warn("Goodbye send to %s failed: %v", sess.Key(), err)
		}
		o.sessions.Clear(ctx, sess.Key())
		return nil
	}

	if _, ok := greetings[normalized]; ok {
		return o.startConversation(ctx, sess, normalized)
	}

	// Any text matching a flow trigger starts that flow, even mid-way
	// through another one.
	if f, err := o.flows.ByTrigger(ctx, sess.TenantID, normalized); err == nil {
		return o.startFlow(ctx, sess, f, normalized)
	} else if !errors.Is(err, flow.ErrNotFound) {
		return err
	}

	if sess.Flow == nil {
		recovered, ok := o.recover(ctx, sess)
		if !ok {
			return o.sendExpired(ctx, sess)
		}
		sess = recovered
	}

	f, err := o.flows.ByID(ctx, sess.TenantID, sess.Flow.FlowID)
	if err != nil {
		if errors.Is(err, flow.ErrNotFound) {
			o.logger.Warn("Session %s references retired flow %s", sess.Key(), sess.Flow.FlowID)
			o.sessions.Clear(ctx, sess.Key())
			return o.sendExpired(ctx, sess)
		}
		return err
	}

	if sess.AwaitingMedia != nil {
		return o.engine.HandleMediaText(ctx, f, sess, text)
	}
	if sess.AwaitingInput != nil {
		return o.engine.Execute(ctx, f, sess, sess.Flow.StepID, text)
	}
	if len(sess.ButtonMapping) > 0 || len(sess.ListMapping) > 0 {
		// Typed text while a choice prompt is outstanding. Routing it
		// through the choice path lets expected text answers work.
		if len(sess.ListMapping) > 0 {
			return o.engine.HandleListChoice(ctx, f, sess, normalized)
		}
		return o.engine.HandleChoice(ctx, f, sess, normalized)
	}

	// Paused at a non-interactive step; run it with the text as input.
	return o.engine.Execute(ctx, f, sess, sess.Flow.StepID, text)
}

func (o *Orchestrator) handleChoice(ctx context.Context, sess *session.Session, choiceID string, isList bool) error {
	if choiceID == "" {
		return nil
	}
	if sess.Flow == nil {
		recovered, ok := o.recover(ctx, sess)
		if !ok {
			return o.sendExpired(ctx, sess)
		}
		sess = recovered
	}
	f, err := o.flows.ByID(ctx, sess.TenantID, sess.Flow.FlowID)
	if err != nil {
		if errors.Is(err, flow.ErrNotFound) {
			o.sessions.Clear(ctx, sess.Key())
			return o.sendExpired(ctx, sess)
		}
		return err
	}
	if isList {
		return o.engine.HandleListChoice(ctx, f, sess, choiceID)
	}
	return o.engine.HandleChoice(ctx, f, sess, choiceID)
}

func (o *Orchestrator) handleMedia(ctx context.Context, sess *session.Session, mediaID string) error {
	if sess.Flow == nil || sess.AwaitingMedia == nil {
		o.logger.Debug("Unsolicited media from %s ignored", sess.Key())
		return nil
	}
	f, err := o.flows.ByID(ctx, sess.TenantID, sess.Flow.FlowID)
	if err != nil {
		if errors.Is(err, flow.ErrNotFound) {
			o.sessions.Clear(ctx, sess.Key())
			return o.sendExpired(ctx, sess)
		}
		return err
	}
	return o.engine.HandleMedia(ctx, f, sess, mediaID)
}

// startConversation begins from the greeting: the trigger's flow when one is
// authored for the phrase, else the tenant's highest-priority flow.
func (o *Orchestrator) startConversation(ctx context.Context, sess *session.Session, phrase string) error {
	f, err := o.flows.ByTrigger(ctx, sess.TenantID, phrase)
	if errors.Is(err, flow.ErrNotFound) {
		flows, listErr := o.flows.List(ctx, sess.TenantID)
		if listErr != nil {
			return listErr
		}
		if len(flows) == 0 {
			o.logger.Error("Tenant %s has no active flows", sess.TenantID)
			msg := o.translator.Translate("error_generic", sess.Language)
			return o.sender.SendText(ctx, sess.TenantID, sess.UserID, msg)
		}
		f, err = flows[0], nil
	}
	if err != nil {
		return err
	}
	return o.startFlow(ctx, sess, f, phrase)
}

func (o *Orchestrator) startFlow(ctx context.Context, sess *session.Session, f *flow.Flow, phrase string) error {
	start, err := flow.StartStep(f, phrase)
	if err != nil {
		return err
	}
	sess.ResetFlow()
	if sess.Language == "" && f.DefaultLanguage != "" {
		sess.Language = f.DefaultLanguage
	}
	o.logger.Info("Starting flow %s at %s for %s", f.ID, start.ID, sess.Key())
	return o.engine.Execute(ctx, f, sess, start.ID, "")
}

// recover re-reads the durable tier when the fast tiers returned a session
// without a cursor: a cache eviction must not look like an expired
// conversation.
func (o *Orchestrator) recover(ctx context.Context, sess *session.Session) (*session.Session, bool) {
	durable, err := o.sessions.LoadDurable(ctx, sess.Key())
	if err != nil {
		o.logger.Warn("Durable session read for %s failed: %v", sess.Key(), err)
		return nil, false
	}
	if durable == nil || durable.Flow == nil {
		return nil, false
	}
	o.logger.Info("Recovered session %s at flow %s step %s", sess.Key(), durable.Flow.FlowID, durable.Flow.StepID)
	return durable, true
}

func (o *Orchestrator) sendExpired(ctx context.Context, sess *session.Session) error {
	msg := o.translator.Translate("session_expired", sess.Language)
	return o.sender.SendText(ctx, sess.TenantID, sess.UserID, msg)
}
