package engine

import (
	"context"
	"strings"
	"time"

	"sevak/internal/cases"
	"sevak/internal/flow"
	"sevak/internal/session"
)

// HandleChoice routes a button reply through the layered precedence chain:
// authored expected responses, then the ephemeral button mapping, then the
// step's default successor, then the language-selection heuristics, and
// finally the fallback error message. First match wins.
func (e *Engine) HandleChoice(ctx context.Context, f *flow.Flow, sess *session.Session, choiceID string) error {
	step := e.currentStep(f, sess)
	if step == nil {
		e.sendFallback(ctx, f, sess)
		return nil
	}

	// Dynamic date/time prompts generated by an api_call step route
	// through their own mappings into the appointment fields.
	if value, ok := lookupStringMap(sess.Data, "dateMapping", choiceID); ok {
		sess.Data["appointmentDate"] = value
		delete(sess.Data, "dateMapping")
		e.saveQuiet(ctx, sess)
		return e.advance(ctx, f, sess, step.ID, e.apiNext(step))
	}
	if value, ok := lookupStringMap(sess.Data, "timeMapping", choiceID); ok {
		sess.Data["appointmentTime"] = value
		delete(sess.Data, "timeMapping")
		e.saveQuiet(ctx, sess)
		return e.advance(ctx, f, sess, step.ID, e.apiNext(step))
	}

	// 1. Authored expected responses. Typed text routed through this path
	// matches "text" rules the same way choice ids match "button_click".
	for _, resp := range step.Expected {
		if resp.Kind != "button_click" && resp.Kind != "text" && resp.Kind != "any" {
			continue
		}
		if resp.Value != choiceID && resp.Value != "*" {
			continue
		}
		e.applyLanguageChoice(ctx, sess, choiceID)
		next := firstNonEmpty(resp.NextStepID, step.NextStepID)
		if next == "" {
			e.logger.Error("Expected response %s at step %s has no target", choiceID, step.ID)
			e.sendFallback(ctx, f, sess)
			return nil
		}
		return e.routeTo(ctx, f, sess, step, choiceID, next)
	}

	// 2. Ephemeral button mapping from the outstanding prompt.
	if next, ok := sess.ButtonMapping[choiceID]; ok && next != "" {
		e.applyLanguageChoice(ctx, sess, choiceID)
		return e.routeTo(ctx, f, sess, step, choiceID, next)
	}

	// 3. The step's static default successor.
	if step.NextStepID != "" {
		e.applyLanguageChoice(ctx, sess, choiceID)
		return e.routeTo(ctx, f, sess, step, choiceID, step.NextStepID)
	}

	// 4. Language-selection heuristics. Tolerates authored flows that
	// omit explicit mappings on the language step; authoring should
	// provide them, this shim only covers the gap.
	if next, lang, ok := languageFallback(f, step, choiceID); ok {
		sess.Language = lang
		e.saveQuiet(ctx, sess)
		return e.advance(ctx, f, sess, step.ID, next)
	}

	e.logger.Error("No routing for choice %q at step %s in flow %s", choiceID, step.ID, f.ID)
	e.sendFallback(ctx, f, sess)
	return nil
}

// HandleListChoice routes a list row selection. The load-more pseudo-row
// advances the pagination offset and re-renders the same step; each
// invocation strictly grows the offset, so the cycle terminates.
func (e *Engine) HandleListChoice(ctx context.Context, f *flow.Flow, sess *session.Session, rowID string) error {
	step := e.currentStep(f, sess)
	if step == nil {
		e.sendFallback(ctx, f, sess)
		return nil
	}

	if rowID == loadMoreRowID {
		sess.Data["deptOffset"] = dataInt(sess.Data, "deptOffset") + deptPageSize
		e.saveQuiet(ctx, sess)
		if _, err := e.runDepartmentList(ctx, f, sess, step); err != nil {
			e.logger.Error("Department page for %s failed: %v", sess.Key(), err)
			e.sendFallback(ctx, f, sess)
		}
		return nil
	}

	// Department rows also record the selection for the case record.
	if strings.HasPrefix(rowID, deptRowPrefix) {
		if name, ok := lookupStringMap(sess.Data, "departmentNames", rowID); ok {
			sess.Data["departmentId"] = strings.TrimPrefix(rowID, deptRowPrefix)
			sess.Data["departmentName"] = name
			sess.Data["category"] = name
			delete(sess.Data, "departmentNames")
			e.saveQuiet(ctx, sess)
		}
	}

	for _, resp := range step.Expected {
		if resp.Kind != "list_selection" && resp.Kind != "any" {
			continue
		}
		if resp.Value != rowID && resp.Value != "*" {
			continue
		}
		next := firstNonEmpty(resp.NextStepID, step.NextStepID)
		if next != "" {
			return e.routeTo(ctx, f, sess, step, rowID, next)
		}
	}
	if next, ok := sess.ListMapping[rowID]; ok && next != "" {
		return e.routeTo(ctx, f, sess, step, rowID, next)
	}
	if step.NextStepID != "" {
		return e.routeTo(ctx, f, sess, step, rowID, step.NextStepID)
	}

	e.logger.Error("No routing for list row %q at step %s in flow %s", rowID, step.ID, f.ID)
	e.sendFallback(ctx, f, sess)
	return nil
}

// HandleMedia stores a received media reference against the pending media
// wait and resumes the flow.
func (e *Engine) HandleMedia(ctx context.Context, f *flow.Flow, sess *session.Session, mediaRef string) error {
	pending := sess.AwaitingMedia
	if pending == nil {
		return nil
	}
	field := pending.Field
	if field == "" {
		field = "media"
	}
	if field == "media" {
		existing, _ := sess.Data[field].([]any)
		sess.Data[field] = append(existing, mediaRef)
	} else {
		sess.Data[field] = mediaRef
	}
	sess.ClearPending()
	e.saveQuiet(ctx, sess)
	if pending.NextStepID == "" {
		return nil
	}
	return e.Execute(ctx, f, sess, pending.NextStepID, "")
}

// HandleMediaText handles plain text arriving while media is awaited: a
// skip keyword advances without writing the field, anything else gets a
// reminder.
func (e *Engine) HandleMediaText(ctx context.Context, f *flow.Flow, sess *session.Session, text string) error {
	pending := sess.AwaitingMedia
	if pending == nil {
		return nil
	}
	if !isSkipKeyword(text) {
		reminder := e.translate(sess, "awaiting_media")
		return e.sender.SendText(ctx, sess.TenantID, sess.UserID, reminder)
	}
	sess.ClearPending()
	e.saveQuiet(ctx, sess)
	if pending.NextStepID == "" {
		return nil
	}
	return e.Execute(ctx, f, sess, pending.NextStepID, "")
}

// routeTo performs any confirmation side effect owed before the target step
// renders, then advances. Creating the case first is a hard ordering
// contract: the success template references the generated reference and has
// no deferred resolution.
func (e *Engine) routeTo(ctx context.Context, f *flow.Flow, sess *session.Session, step *flow.Step, choiceID, next string) error {
	if err := e.maybeCreateCase(ctx, sess, step, choiceID, next); err != nil {
		e.logger.Error("Case creation for %s failed: %v", sess.Key(), err)
		msg := e.translate(sess, "error_try_later")
		if sendErr := e.sender.SendText(ctx, sess.TenantID, sess.UserID, msg); sendErr != nil {
			e.logger.Error("Failure notice send to %s failed: %v", sess.Key(), sendErr)
		}
		// Clearing avoids a retry loop against a half-completed side
		// effect.
		e.sessions.Clear(ctx, sess.Key())
		return nil
	}
	return e.advance(ctx, f, sess, step.ID, next)
}

// advance executes the target step unless it is the step we came from.
func (e *Engine) advance(ctx context.Context, f *flow.Flow, sess *session.Session, fromStepID, next string) error {
	next = strings.TrimSpace(next)
	if next == "" || next == fromStepID {
		return nil
	}
	return e.Execute(ctx, f, sess, next, "")
}

func (e *Engine) currentStep(f *flow.Flow, sess *session.Session) *flow.Step {
	if sess.Flow == nil {
		return nil
	}
	step, ok := f.StepByID(sess.Flow.StepID)
	if !ok {
		e.logger.Error("Current step %s missing from flow %s", sess.Flow.StepID, f.ID)
		return nil
	}
	return step
}

func (e *Engine) apiNext(step *flow.Step) string {
	if step.APICall != nil && step.APICall.NextStepID != "" {
		return step.APICall.NextStepID
	}
	return step.NextStepID
}

// maybeCreateCase fires the confirmation side effect when a confirm step
// advances to its success step via an affirmative choice.
func (e *Engine) maybeCreateCase(ctx context.Context, sess *session.Session, step *flow.Step, choiceID, next string) error {
	switch {
	case strings.HasPrefix(step.ID, "grievance_confirm") &&
		strings.HasPrefix(next, "grievance_success") &&
		strings.HasPrefix(choiceID, "confirm_yes"):
		return e.createGrievance(ctx, sess)
	case strings.HasPrefix(step.ID, "appointment_confirm") &&
		strings.HasPrefix(next, "appointment_submitted") &&
		strings.HasPrefix(choiceID, "appt_confirm_yes"):
		return e.createAppointment(ctx, sess)
	}
	return nil
}

func (e *Engine) createGrievance(ctx context.Context, sess *session.Session) error {
	if e.cases == nil {
		return nil
	}
	category := stringify(sess.Data["category"])
	if stringify(sess.Data["departmentId"]) == "" && category != "" {
		if dept, err := e.cases.FindDepartmentByCategory(ctx, sess.TenantID, category); err != nil {
			e.logger.Warn("Department lookup by category %q failed: %v", category, err)
		} else if dept != nil {
			sess.Data["departmentId"] = dept.ID
			sess.Data["departmentName"] = dept.Name
		}
	}

	fields := map[string]any{
		"citizenName":  sess.Data["citizenName"],
		"citizenPhone": sess.UserID,
		"description":  sess.Data["description"],
		"category":     category,
		"departmentId": sess.Data["departmentId"],
		"media":        sess.Data["media"],
		"language":     sess.Language,
	}
	ref, err := e.cases.CreateCase(ctx, cases.KindGrievance, sess.TenantID, fields)
	if err != nil {
		return err
	}

	sess.Data["grievanceId"] = ref
	sess.Data["date"] = time.Now().Format("02/01/2006")
	if name := stringify(sess.Data["departmentName"]); name != "" {
		sess.Data["department"] = name
	} else if category != "" {
		sess.Data["department"] = category
	} else {
		sess.Data["department"] = "General"
	}
	e.saveQuiet(ctx, sess)
	return nil
}

func (e *Engine) createAppointment(ctx context.Context, sess *session.Session) error {
	if e.cases == nil {
		return nil
	}
	fields := map[string]any{
		"citizenName":     sess.Data["citizenName"],
		"citizenPhone":    sess.UserID,
		"purpose":         sess.Data["purpose"],
		"appointmentDate": sess.Data["appointmentDate"],
		"appointmentTime": sess.Data["appointmentTime"],
		"language":        sess.Language,
	}
	ref, err := e.cases.CreateCase(ctx, cases.KindAppointment, sess.TenantID, fields)
	if err != nil {
		return err
	}
	sess.Data["appointmentId"] = ref
	sess.Data["status"] = "Pending Approval"
	e.saveQuiet(ctx, sess)
	return nil
}

// applyLanguageChoice interprets the well-known language button ids.
func (e *Engine) applyLanguageChoice(ctx context.Context, sess *session.Session, choiceID string) {
	var lang string
	switch choiceID {
	case "lang_en":
		lang = "en"
	case "lang_hi":
		lang = "hi"
	case "lang_mr":
		lang = "mr"
	case "lang_or":
		lang = "or"
	default:
		return
	}
	sess.Language = lang
	e.saveQuiet(ctx, sess)
}

// languageVariants maps loose button ids and titles to a language and its
// preferred menu step.
var languageVariants = []struct {
	keys []string
	lang string
}{
	{[]string{"lang_en", "en", "english"}, "en"},
	{[]string{"lang_hi", "hi", "hindi", "हिंदी", "हिन्दी"}, "hi"},
	{[]string{"lang_mr", "mr", "marathi", "मराठी"}, "mr"},
	{[]string{"lang_or", "or", "odia", "ଓଡ଼ିଆ"}, "or"},
}

func languageFallback(f *flow.Flow, step *flow.Step, choiceID string) (next, lang string, ok bool) {
	isLanguageStep := step.ID == "language_selection" ||
		strings.Contains(strings.ToLower(step.Name), "language")
	if !isLanguageStep {
		return "", "", false
	}
	normalized := strings.ToLower(strings.TrimSpace(choiceID))
	for _, variant := range languageVariants {
		for _, key := range variant.keys {
			if normalized != strings.ToLower(key) && !strings.Contains(normalized, strings.ToLower(key)) {
				continue
			}
			if target := menuStepFor(f, variant.lang, step); target != "" {
				return target, variant.lang, true
			}
		}
	}
	return "", "", false
}

// menuStepFor picks the language-specific menu step when the flow has one,
// else any main menu step, else the language step's own default.
func menuStepFor(f *flow.Flow, lang string, step *flow.Step) string {
	if _, ok := f.StepByID("main_menu_" + lang); ok {
		return "main_menu_" + lang
	}
	for i := range f.Steps {
		if strings.HasPrefix(f.Steps[i].ID, "main_menu") {
			return f.Steps[i].ID
		}
	}
	return step.NextStepID
}
