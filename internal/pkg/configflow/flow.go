// Package configflow drives the forms that create, reauthenticate and
// reconfigure config entries.
package configflow

import (
	"context"
	"maps"

	"github.com/anicoll/pollbridge/internal/pkg/model"
)

type Step string

func (s Step) String() string {
	return string(s)
}

const (
	StepUser          Step = "user"
	StepReauth        Step = "reauth"
	StepReauthConfirm Step = "reauth_confirm"
	StepReconfigure   Step = "reconfigure"
	StepDone          Step = "done"
)

type Source string

const (
	SourceUser        Source = "user"
	SourceReauth      Source = "reauth"
	SourceReconfigure Source = "reconfigure"
)

type ResultType string

const (
	ResultForm        ResultType = "form"
	ResultCreateEntry ResultType = "create_entry"
	ResultAbort       ResultType = "abort"
)

const (
	ReasonAlreadyConfigured     = "already_configured"
	ReasonReauthSuccessful      = "reauth_successful"
	ReasonReconfigureSuccessful = "reconfigure_successful"
	ReasonWrongAccount          = "wrong_account"
	ReasonUnknownEntry          = "unknown_entry"
)

type FieldType string

const (
	FieldString   FieldType = "string"
	FieldPassword FieldType = "password"
	FieldInt      FieldType = "int"
	FieldBool     FieldType = "bool"
)

type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`
	Default  string    `json:"default,omitempty"`
}

// Info is what a handler learns from a successful validation. Data is
// merged into the entry data.
type Info struct {
	Title    string
	UniqueID string
	Data     map[string]string
}

// Handler is implemented by every integration that can be set up from a form.
type Handler interface {
	Fields(step Step) []Field
	Validate(ctx context.Context, data map[string]string) (Info, error)
}

// Result is what a flow step returns to the caller.
type Result struct {
	FlowID  string            `json:"flow_id"`
	Domain  string            `json:"handler"`
	Type    ResultType        `json:"type"`
	Step    Step              `json:"step_id,omitempty"`
	Fields  []Field           `json:"data_schema,omitempty"`
	Errors  map[string]string `json:"errors,omitempty"`
	Reason  string            `json:"reason,omitempty"`
	Title   string            `json:"title,omitempty"`
	EntryID string            `json:"entry_id,omitempty"`

	entry *model.ConfigEntry
}

type flow struct {
	id      string
	domain  string
	source  Source
	step    Step
	entryID string
	busy    bool
}

// event is everything transition needs to know about one submitted step.
type event struct {
	input    map[string]string
	info     Info
	err      error
	fields   []Field
	entry    *model.ConfigEntry
	existing []model.ConfigEntry
}

// start returns the first result of a new flow.
func start(f flow, entry *model.ConfigEntry, fields func(Step) []Field) (flow, Result) {
	switch f.source {
	case SourceReauth, SourceReconfigure:
		if entry == nil {
			f.step = StepDone
			return f, abort(f, ReasonUnknownEntry)
		}
	}
	switch f.source {
	case SourceReauth:
		f.step = StepReauthConfirm
	case SourceReconfigure:
		f.step = StepReconfigure
	default:
		f.step = StepUser
	}
	return f, form(f, fields(f.step), nil)
}

// transition is the flow state machine. It has no side effects; the manager
// validates input before and commits the result after.
func transition(f flow, ev event) (flow, Result) {
	switch f.step {
	case StepUser:
		if ev.err != nil {
			return f, form(f, ev.fields, formErrors(ev.err))
		}
		for _, e := range ev.existing {
			if ev.info.UniqueID != "" && e.UniqueID == ev.info.UniqueID {
				f.step = StepDone
				return f, abort(f, ReasonAlreadyConfigured)
			}
		}
		f.step = StepDone
		return f, Result{
			FlowID: f.id,
			Domain: f.domain,
			Type:   ResultCreateEntry,
			Step:   StepDone,
			Title:  ev.info.Title,
			entry: &model.ConfigEntry{
				Domain:   f.domain,
				Title:    ev.info.Title,
				UniqueID: ev.info.UniqueID,
				Data:     mergeData(ev.input, ev.info.Data),
			},
		}
	case StepReauthConfirm, StepReconfigure:
		if ev.entry == nil {
			f.step = StepDone
			return f, abort(f, ReasonUnknownEntry)
		}
		if ev.err != nil {
			return f, form(f, ev.fields, formErrors(ev.err))
		}
		if ev.entry.UniqueID != "" && ev.info.UniqueID != ev.entry.UniqueID {
			f.step = StepDone
			return f, abort(f, ReasonWrongAccount)
		}
		reason := ReasonReauthSuccessful
		if f.step == StepReconfigure {
			reason = ReasonReconfigureSuccessful
		}
		updated := ev.entry.Clone()
		updated.Data = mergeData(mergeData(ev.entry.Data, ev.input), ev.info.Data)
		f.step = StepDone
		res := abort(f, reason)
		res.EntryID = updated.ID
		res.entry = &updated
		return f, res
	default:
		return f, abort(f, ReasonUnknownEntry)
	}
}

func form(f flow, fields []Field, errs map[string]string) Result {
	return Result{
		FlowID: f.id,
		Domain: f.domain,
		Type:   ResultForm,
		Step:   f.step,
		Fields: fields,
		Errors: errs,
	}
}

func abort(f flow, reason string) Result {
	return Result{
		FlowID:  f.id,
		Domain:  f.domain,
		Type:    ResultAbort,
		Step:    StepDone,
		Reason:  reason,
		EntryID: f.entryID,
	}
}

// mergeData overlays submitted values on the stored entry data.
func mergeData(stored, input map[string]string) map[string]string {
	merged := maps.Clone(stored)
	if merged == nil {
		merged = make(map[string]string, len(input))
	}
	maps.Copy(merged, input)
	return merged
}
