package flow

import (
	"fmt"
	"strings"
)

// StepType discriminates the step variants in a flow graph.
type StepType string

const (
	StepMessage   StepType = "message"
	StepButtons   StepType = "buttons"
	StepList      StepType = "list"
	StepInput     StepType = "input"
	StepMedia     StepType = "media"
	StepCondition StepType = "condition"
	StepAPICall   StepType = "api_call"
)

// Flow is a tenant-scoped, versioned graph of conversation steps. Steps
// reference each other only by identifier, so cycles are representable and
// legal (pagination steps target themselves).
type Flow struct {
	ID               string            `yaml:"id"`
	Name             string            `yaml:"name"`
	Kind             string            `yaml:"kind"` // grievance | appointment | tracking | custom
	Active           bool              `yaml:"active"`
	Priority         int               `yaml:"priority"`
	Version          int               `yaml:"version"`
	StartStepID      string            `yaml:"start"`
	Steps            []Step            `yaml:"steps"`
	Triggers         []Trigger         `yaml:"triggers"`
	Languages        []string          `yaml:"languages"`
	DefaultLanguage  string            `yaml:"default_language"`
	Translations     map[string]map[string]string `yaml:"translations"`
	Settings         Settings          `yaml:"settings"`
}

// Trigger maps an entry phrase to a starting step.
type Trigger struct {
	Phrase      string `yaml:"phrase"`
	StartStepID string `yaml:"start"`
}

// Settings carries flow-level behavior knobs.
type Settings struct {
	SessionTimeoutMinutes int    `yaml:"session_timeout_minutes"`
	MaxRetries            int    `yaml:"max_retries"`
	ErrorMessage          string `yaml:"error_message"`
}

// Step is one unit of dialogue execution. Exactly one of the typed config
// blocks is populated, selected by Type.
type Step struct {
	ID         string          `yaml:"id"`
	Type       StepType        `yaml:"type"`
	Name       string          `yaml:"name"`
	Text       string          `yaml:"text"`
	Buttons    []Button        `yaml:"buttons"`
	List       *ListConfig     `yaml:"list"`
	Input      *InputConfig    `yaml:"input"`
	Media      *MediaConfig    `yaml:"media"`
	Condition  *ConditionConfig `yaml:"condition"`
	APICall    *APIConfig      `yaml:"api_call"`
	Expected   []ExpectedResponse `yaml:"expected"`
	NextStepID string          `yaml:"next"`
}

// Button is one labeled choice on a buttons step.
type Button struct {
	ID         string `yaml:"id"`
	Title      string `yaml:"title"`
	NextStepID string `yaml:"next"`
}

// ListConfig describes a sectioned choice list. Source "departments" loads
// rows from the case-management collaborator at runtime with pagination.
type ListConfig struct {
	Source     string        `yaml:"source"` // manual | departments
	ButtonText string        `yaml:"button_text"`
	Sections   []ListSection `yaml:"sections"`
}

// ListSection groups list rows under a title.
type ListSection struct {
	Title string    `yaml:"title"`
	Rows  []ListRow `yaml:"rows"`
}

// ListRow is one selectable entry in a list section.
type ListRow struct {
	ID          string `yaml:"id"`
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	NextStepID  string `yaml:"next"`
}

// InputConfig describes a free-text capture step.
type InputConfig struct {
	InputType  string      `yaml:"input_type"` // text | number | email | phone | date
	Validation *Validation `yaml:"validation"`
	SaveTo     string      `yaml:"save_to"`
	NextStepID string      `yaml:"next"`
}

// Validation constrains an input submission. A failed check re-prompts the
// same step and leaves session state untouched.
type Validation struct {
	Required     bool   `yaml:"required"`
	MinLength    int    `yaml:"min_length"`
	MaxLength    int    `yaml:"max_length"`
	Pattern      string `yaml:"pattern"`
	ErrorMessage string `yaml:"error_message"`
}

// MediaConfig describes a media capture step. Optional media accepts a skip
// keyword in place of an upload.
type MediaConfig struct {
	MediaType  string `yaml:"media_type"` // image | document | video
	Optional   bool   `yaml:"optional"`
	SaveTo     string `yaml:"save_to"`
	NextStepID string `yaml:"next"`
}

// ConditionConfig branches on a session data field.
type ConditionConfig struct {
	Field       string `yaml:"field"`
	Operator    string `yaml:"operator"` // equals | contains | greater_than | less_than | exists
	Value       any    `yaml:"value"`
	TrueStepID  string `yaml:"true_step"`
	FalseStepID string `yaml:"false_step"`
}

// APIConfig describes a synchronous external call made mid-flow.
type APIConfig struct {
	Method     string            `yaml:"method"`
	Endpoint   string            `yaml:"endpoint"`
	Headers    map[string]string `yaml:"headers"`
	Body       map[string]any    `yaml:"body"`
	SaveTo     string            `yaml:"save_to"`
	NextStepID string            `yaml:"next"`
}

// ExpectedResponse is an authored routing rule: a literal choice or text
// value mapped to the step to run when it arrives. These take precedence
// over dynamic button/list mappings.
type ExpectedResponse struct {
	Kind       string `yaml:"kind"` // text | button_click | list_selection | any
	Value      string `yaml:"value"`
	NextStepID string `yaml:"next"`
}

// StepByID returns the step with the given identifier.
func (f *Flow) StepByID(stepID string) (*Step, bool) {
	for i := range f.Steps {
		if f.Steps[i].ID == stepID {
			return &f.Steps[i], true
		}
	}
	return nil, false
}

// ErrorMessage returns the configured fallback message or a default.
func (f *Flow) ErrorMessage() string {
	if msg := strings.TrimSpace(f.Settings.ErrorMessage); msg != "" {
		return msg
	}
	return "We encountered an error. Please try again."
}

// Validate checks structural invariants: a start step, non-empty steps with
// unique identifiers, and known step types.
func (f *Flow) Validate() error {
	if strings.TrimSpace(f.ID) == "" {
		return fmt.Errorf("flow missing id")
	}
	if len(f.Steps) == 0 {
		return fmt.Errorf("flow %s has no steps", f.ID)
	}
	seen := make(map[string]struct{}, len(f.Steps))
	for i := range f.Steps {
		step := &f.Steps[i]
		if strings.TrimSpace(step.ID) == "" {
			return fmt.Errorf("flow %s: step %d missing id", f.ID, i)
		}
		if _, dup := seen[step.ID]; dup {
			return fmt.Errorf("flow %s: duplicate step id %s", f.ID, step.ID)
		}
		seen[step.ID] = struct{}{}
		switch step.Type {
		case StepMessage, StepButtons, StepList, StepInput, StepMedia, StepCondition, StepAPICall:
		default:
			return fmt.Errorf("flow %s: step %s has unknown type %q", f.ID, step.ID, step.Type)
		}
	}
	if _, ok := f.StepByID(f.StartStepID); !ok {
		return fmt.Errorf("flow %s: start step %s not found", f.ID, f.StartStepID)
	}
	return nil
}
