// Package engine interprets authored flow graphs against a session, one step
// per inbound user action.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"sevak/internal/cases"
	"sevak/internal/channel"
	"sevak/internal/flow"
	"sevak/internal/i18n"
	"sevak/internal/logging"
	"sevak/internal/metrics"
	"sevak/internal/session"
	"sevak/internal/tenant"
)

const (
	// maxAutoAdvance bounds synchronous step chaining per inbound message,
	// so a mis-authored cycle of non-interactive steps cannot spin.
	maxAutoAdvance = 25

	// deptPageSize is how many departments one list page shows, leaving
	// room for the load-more row within the provider's 10-row limit.
	deptPageSize = 9

	loadMoreRowID = "load_more"
	deptRowPrefix = "dept_"
)

// Config wires the engine's collaborators.
type Config struct {
	Sessions   *session.Store
	Sender     channel.Sender
	Cases      cases.Service
	Translator *i18n.Translator
	Tenants    *tenant.Registry
	HTTPClient *http.Client
	Logger     logging.Logger
	Metrics    *metrics.Metrics
}

// Engine executes flow steps. It is stateless across invocations: all
// conversation state lives in the session.
type Engine struct {
	sessions   *session.Store
	sender     channel.Sender
	cases      cases.Service
	translator *i18n.Translator
	tenants    *tenant.Registry
	httpClient *http.Client
	logger     logging.Logger
	metrics    *metrics.Metrics
}

// New constructs the engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("engine requires a session store")
	}
	if cfg.Sender == nil {
		return nil, fmt.Errorf("engine requires a channel sender")
	}
	if cfg.Translator == nil {
		cfg.Translator = i18n.New()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop()
	}
	return &Engine{
		sessions:   cfg.Sessions,
		sender:     cfg.Sender,
		cases:      cfg.Cases,
		translator: cfg.Translator,
		tenants:    cfg.Tenants,
		httpClient: cfg.HTTPClient,
		logger:     logging.OrNop(cfg.Logger),
		metrics:    cfg.Metrics,
	}, nil
}

// Execute runs the step graph starting at stepID, auto-advancing through
// non-interactive steps until a prompt pauses the conversation. Failures are
// absorbed at this boundary: the citizen gets the flow's fallback message
// and the session stays at its last good checkpoint.
func (e *Engine) Execute(ctx context.Context, f *flow.Flow, sess *session.Session, stepID, input string) error {
	current := strings.TrimSpace(stepID)
	for hops := 0; current != "" && hops < maxAutoAdvance; hops++ {
		next, err := e.executeOne(ctx, f, sess, current, input)
		if err != nil {
			e.logger.Error("Step %s in flow %s for %s failed: %v", current, f.ID, sess.Key(), err)
			e.sendFallback(ctx, f, sess)
			return nil
		}
		input = ""
		next = strings.TrimSpace(next)
		if next == "" || next == current {
			return nil
		}
		current = next
	}
	if current != "" {
		e.logger.Warn("Auto-advance limit reached at step %s in flow %s", current, f.ID)
	}
	return nil
}

// executeOne runs exactly one step and returns the step to auto-advance to,
// empty when the conversation pauses for the user.
func (e *Engine) executeOne(ctx context.Context, f *flow.Flow, sess *session.Session, stepID, input string) (string, error) {
	step, ok := f.StepByID(stepID)
	if !ok {
		return "", fmt.Errorf("step %s not found (steps: %s)", stepID, stepIDs(f))
	}
	if input == "" && e.alreadySent(sess, step) {
		e.logger.Debug("Step %s already prompted for %s; not repeating", stepID, sess.Key())
		return "", nil
	}
	e.metrics.StepsExecuted.WithLabelValues(string(step.Type)).Inc()

	switch step.Type {
	case flow.StepMessage:
		return e.runMessage(ctx, f, sess, step)
	case flow.StepButtons:
		return e.runButtons(ctx, f, sess, step)
	case flow.StepList:
		return e.runList(ctx, f, sess, step)
	case flow.StepInput:
		return e.runInput(ctx, f, sess, step, input)
	case flow.StepMedia:
		return e.runMedia(ctx, f, sess, step)
	case flow.StepCondition:
		return e.runCondition(sess, step)
	case flow.StepAPICall:
		return e.runAPICall(ctx, f, sess, step)
	default:
		return "", fmt.Errorf("step %s has unhandled type %q", step.ID, step.Type)
	}
}

// alreadySent implements the reentrancy rule: the same interactive prompt is
// never re-sent for the same step occurrence.
func (e *Engine) alreadySent(sess *session.Session, step *flow.Step) bool {
	if sess.Flow == nil || sess.Flow.StepID != step.ID {
		return false
	}
	switch step.Type {
	case flow.StepButtons:
		return len(sess.ButtonMapping) > 0
	case flow.StepList:
		return len(sess.ListMapping) > 0
	case flow.StepInput:
		return sess.AwaitingInput != nil || sess.AwaitingMedia != nil
	case flow.StepMedia:
		return sess.AwaitingMedia != nil
	}
	return false
}

func (e *Engine) runMessage(ctx context.Context, f *flow.Flow, sess *session.Session, step *flow.Step) (string, error) {
	// Tracking flows resolve the looked-up case into the data bag right
	// before the result template renders.
	if strings.HasPrefix(step.ID, "track_result") {
		e.loadTrackResult(ctx, sess)
	}

	text := e.render(sess, step.Text)

	// Flow authoring sometimes stores a choice prompt as a message step
	// with buttons attached; honor the buttons.
	if len(step.Buttons) > 0 {
		return "", e.sendButtonsPrompt(ctx, f, sess, step, step.Buttons, text)
	}

	if err := e.sender.SendText(ctx, sess.TenantID, sess.UserID, text); err != nil {
		return "", err
	}
	// A message step carries no interaction, so any mapping left over from
	// the prompt that routed here is stale.
	sess.ClearPending()
	e.setCursor(sess, f, step.ID)
	e.saveQuiet(ctx, sess)
	return step.NextStepID, nil
}

func (e *Engine) runButtons(ctx context.Context, f *flow.Flow, sess *session.Session, step *flow.Step) (string, error) {
	if len(step.Buttons) == 0 {
		return "", fmt.Errorf("buttons step %s has no buttons", step.ID)
	}
	return "", e.sendButtonsPrompt(ctx, f, sess, step, step.Buttons, e.render(sess, step.Text))
}

// sendButtonsPrompt sends a button prompt and records the routing map. The
// previous pending interaction is replaced atomically with the new mapping.
func (e *Engine) sendButtonsPrompt(ctx context.Context, f *flow.Flow, sess *session.Session, step *flow.Step, buttons []flow.Button, text string) error {
	choices := make([]channel.Choice, 0, len(buttons))
	mapping := make(map[string]string, len(buttons))
	for _, btn := range buttons {
		choices = append(choices, channel.Choice{ID: btn.ID, Title: btn.Title})
		if btn.NextStepID != "" {
			mapping[btn.ID] = btn.NextStepID
		}
	}
	if err := e.sender.SendButtons(ctx, sess.TenantID, sess.UserID, text, choices); err != nil {
		return err
	}
	e.setCursor(sess, f, step.ID)
	sess.SetPrompt(mapping, nil)
	return e.sessions.Save(ctx, sess)
}

func (e *Engine) runList(ctx context.Context, f *flow.Flow, sess *session.Session, step *flow.Step) (string, error) {
	if step.List == nil {
		return "", fmt.Errorf("list step %s has no list config", step.ID)
	}
	if step.List.Source == "departments" {
		return e.runDepartmentList(ctx, f, sess, step)
	}

	sections := make([]channel.Section, 0, len(step.List.Sections))
	mapping := map[string]string{}
	for _, section := range step.List.Sections {
		rows := make([]channel.Row, 0, len(section.Rows))
		for _, row := range section.Rows {
			rows = append(rows, channel.Row{ID: row.ID, Title: row.Title, Description: row.Description})
			next := row.NextStepID
			if next == "" {
				next = step.NextStepID
			}
			if next != "" {
				mapping[row.ID] = next
			}
		}
		sections = append(sections, channel.Section{Title: section.Title, Rows: rows})
	}

	e.setCursor(sess, f, step.ID)
	sess.SetPrompt(nil, mapping)
	if err := e.sessions.Save(ctx, sess); err != nil {
		return "", err
	}
	return "", e.sender.SendList(ctx, sess.TenantID, sess.UserID, e.render(sess, step.Text), step.List.ButtonText, sections)
}

// runDepartmentList builds a list page from the case-management collaborator
// with offset pagination. A load-more row targets the same step; its
// handling advances the offset before re-rendering, so the cycle is bounded
// by the department count.
func (e *Engine) runDepartmentList(ctx context.Context, f *flow.Flow, sess *session.Session, step *flow.Step) (string, error) {
	if e.cases == nil {
		return "", fmt.Errorf("list step %s needs the case service", step.ID)
	}
	offset := dataInt(sess.Data, "deptOffset")
	depts, total, err := e.cases.ListDepartments(ctx, sess.TenantID, offset, deptPageSize)
	if err != nil {
		return "", err
	}
	if total == 0 {
		if err := e.sender.SendText(ctx, sess.TenantID, sess.UserID, e.translate(sess, "msg_no_departments")); err != nil {
			return "", err
		}
		e.setCursor(sess, f, step.ID)
		e.saveQuiet(ctx, sess)
		return step.NextStepID, nil
	}

	rows := make([]channel.Row, 0, len(depts)+1)
	mapping := make(map[string]string, len(depts)+1)
	names := make(map[string]any, len(depts))
	for _, dept := range depts {
		rowID := deptRowPrefix + dept.ID
		rows = append(rows, channel.Row{ID: rowID, Title: dept.Name, Description: dept.Description})
		if step.NextStepID != "" {
			mapping[rowID] = step.NextStepID
		}
		names[rowID] = dept.Name
	}
	if offset+deptPageSize < total {
		rows = append(rows, channel.Row{
			ID:          loadMoreRowID,
			Title:       e.translate(sess, "btn_load_more"),
			Description: fmt.Sprintf("%d more departments available", total-offset-len(depts)),
		})
		mapping[loadMoreRowID] = step.ID
	}

	sess.Data["deptOffset"] = offset
	sess.Data["departmentNames"] = names
	e.setCursor(sess, f, step.ID)
	sess.SetPrompt(nil, mapping)
	if err := e.sessions.Save(ctx, sess); err != nil {
		return "", err
	}

	sections := []channel.Section{{Title: e.translate(sess, "btn_select_dept"), Rows: rows}}
	text := step.Text
	if text == "" {
		text = e.translate(sess, "selection_department")
	}
	buttonText := e.translate(sess, "btn_select_dept")
	if step.List.ButtonText != "" {
		buttonText = step.List.ButtonText
	}
	return "", e.sender.SendList(ctx, sess.TenantID, sess.UserID, e.render(sess, text), buttonText, sections)
}

func (e *Engine) runInput(ctx context.Context, f *flow.Flow, sess *session.Session, step *flow.Step, input string) (string, error) {
	cfg := step.Input
	if cfg == nil {
		return "", fmt.Errorf("input step %s has no input config", step.ID)
	}
	mediaKind := cfg.InputType == "image" || cfg.InputType == "document" || cfg.InputType == "video"

	// First visit: prompt and wait.
	if input == "" {
		text := step.Text
		if text == "" {
			text = "Please provide your input:"
		}
		if err := e.sender.SendText(ctx, sess.TenantID, sess.UserID, e.render(sess, text)); err != nil {
			return "", err
		}
		e.setCursor(sess, f, step.ID)
		next := firstNonEmpty(cfg.NextStepID, step.NextStepID)
		if mediaKind {
			field := cfg.SaveTo
			if field == "" {
				field = "media"
			}
			required := cfg.Validation != nil && cfg.Validation.Required
			sess.SetAwaitingMedia(&session.PendingMedia{
				Field:      field,
				MediaType:  cfg.InputType,
				Optional:   !required,
				NextStepID: next,
			})
		} else {
			sess.SetAwaitingInput(&session.PendingInput{
				Field:      cfg.SaveTo,
				Validation: cfg.Validation,
				NextStepID: next,
			})
		}
		return "", e.sessions.Save(ctx, sess)
	}

	// A media-typed input only advances on an upload or a skip keyword;
	// plain text gets a reminder.
	if mediaKind {
		if isSkipKeyword(input) {
			sess.ClearPending()
			e.saveQuiet(ctx, sess)
			return firstNonEmpty(cfg.NextStepID, step.NextStepID), nil
		}
		return "", e.sender.SendText(ctx, sess.TenantID, sess.UserID, e.translate(sess, "awaiting_media"))
	}

	// Validation failure re-prompts without touching state.
	if msg := checkInput(cfg.Validation, input); msg != "" {
		return "", e.sender.SendText(ctx, sess.TenantID, sess.UserID, msg)
	}

	if cfg.SaveTo != "" {
		sess.Data[cfg.SaveTo] = input
	}
	sess.AwaitingInput = nil
	if err := e.sessions.Save(ctx, sess); err != nil {
		return "", err
	}
	return firstNonEmpty(cfg.NextStepID, step.NextStepID), nil
}

func (e *Engine) runMedia(ctx context.Context, f *flow.Flow, sess *session.Session, step *flow.Step) (string, error) {
	cfg := step.Media
	if cfg == nil {
		return "", fmt.Errorf("media step %s has no media config", step.ID)
	}
	text := step.Text
	if text == "" {
		text = "Please upload the requested file:"
	}
	if err := e.sender.SendText(ctx, sess.TenantID, sess.UserID, e.render(sess, text)); err != nil {
		return "", err
	}
	field := cfg.SaveTo
	if field == "" {
		field = "media"
	}
	e.setCursor(sess, f, step.ID)
	sess.SetAwaitingMedia(&session.PendingMedia{
		Field:      field,
		MediaType:  cfg.MediaType,
		Optional:   cfg.Optional,
		NextStepID: firstNonEmpty(cfg.NextStepID, step.NextStepID),
	})
	return "", e.sessions.Save(ctx, sess)
}

func (e *Engine) runCondition(sess *session.Session, step *flow.Step) (string, error) {
	cfg := step.Condition
	if cfg == nil {
		return "", fmt.Errorf("condition step %s has no condition config", step.ID)
	}
	value, exists := sess.Data[cfg.Field]

	met := false
	switch cfg.Operator {
	case "equals":
		met = stringify(value) == stringify(cfg.Value)
	case "contains":
		met = strings.Contains(stringify(value), stringify(cfg.Value))
	case "greater_than":
		met = toFloat(value) > toFloat(cfg.Value)
	case "less_than":
		met = toFloat(value) < toFloat(cfg.Value)
	case "exists":
		met = exists && value != nil
	default:
		return "", fmt.Errorf("condition step %s has unknown operator %q", step.ID, cfg.Operator)
	}

	if met {
		return cfg.TrueStepID, nil
	}
	return cfg.FalseStepID, nil
}

// loadTrackResult resolves the reference the citizen typed into status
// fields for the result template. Lookup failures degrade to placeholder
// text; the template render never fails.
func (e *Engine) loadTrackResult(ctx context.Context, sess *session.Session) {
	ref := strings.ToUpper(strings.TrimSpace(stringify(sess.Data["refNumber"])))
	if ref == "" || e.cases == nil {
		return
	}
	status, err := e.cases.LookupCase(ctx, sess.TenantID, ref)
	switch {
	case err == nil:
		switch status.Kind {
		case cases.KindGrievance:
			sess.Data["recordType"] = "Grievance"
		case cases.KindAppointment:
			sess.Data["recordType"] = "Appointment"
		default:
			sess.Data["recordType"] = string(status.Kind)
		}
		sess.Data["status"] = status.State
		if status.Summary != "" {
			sess.Data["remarks"] = status.Summary
		} else {
			sess.Data["remarks"] = "-"
		}
		if status.AssignedTo != "" {
			sess.Data["assignedTo"] = status.AssignedTo
		} else {
			sess.Data["assignedTo"] = "Not assigned"
		}
		e.saveQuiet(ctx, sess)
	case cases.IsNotFound(err):
		sess.Data["recordType"] = "-"
		sess.Data["status"] = "Not Found"
		sess.Data["assignedTo"] = "-"
		sess.Data["remarks"] = "No record found for this reference number."
	default:
		e.logger.Error("Case lookup %s for %s failed: %v", ref, sess.Key(), err)
		sess.Data["recordType"] = "-"
		sess.Data["status"] = "Error"
		sess.Data["assignedTo"] = "-"
		sess.Data["remarks"] = "Could not fetch status. Please try again."
	}
}

func (e *Engine) setCursor(sess *session.Session, f *flow.Flow, stepID string) {
	sess.Flow = &session.FlowCursor{FlowID: f.ID, StepID: stepID}
}

func (e *Engine) render(sess *session.Session, template string) string {
	name := ""
	if e.tenants != nil {
		if t, ok := e.tenants.ByID(sess.TenantID); ok {
			name = t.Name
		}
	}
	return Render(template, sess.Data, name)
}

func (e *Engine) translate(sess *session.Session, key string) string {
	return e.translator.Translate(key, sess.Language)
}

// sendFallback delivers the flow's configured error message, best-effort.
func (e *Engine) sendFallback(ctx context.Context, f *flow.Flow, sess *session.Session) {
	msg := e.translate(sess, "error_generic")
	if f != nil {
		msg = f.ErrorMessage()
	}
	if err := e.sender.SendText(ctx, sess.TenantID, sess.UserID, msg); err != nil {
		e.logger.Error("Fallback send to %s failed: %v", sess.Key(), err)
	}
}

func (e *Engine) saveQuiet(ctx context.Context, sess *session.Session) {
	if err := e.sessions.Save(ctx, sess); err != nil {
		e.logger.Warn("Session save for %s failed: %v", sess.Key(), err)
	}
}

func stepIDs(f *flow.Flow) string {
	ids := make([]string, 0, len(f.Steps))
	for i := range f.Steps {
		ids = append(ids, f.Steps[i].ID)
	}
	return strings.Join(ids, ", ")
}
