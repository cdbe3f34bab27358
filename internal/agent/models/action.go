// internal/agent/models/action.go
package models

import (
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrInvalidAction marks a descriptor that can never execute. The executor
// treats it as permanent and does not retry.
var ErrInvalidAction = errors.New("invalid action descriptor")

// ActionType discriminates the ActionDescriptor variants on the wire.
type ActionType string

const (
	ActionClick     ActionType = "click"
	ActionKeyInput  ActionType = "key_input"
	ActionCommand   ActionType = "command"
	ActionComposite ActionType = "composite"
)

// ActionDescriptor is the tagged description of an automated action.
// Descriptors are immutable once constructed.
type ActionDescriptor interface {
	Type() ActionType
	// Validate checks the descriptor is executable. Failures wrap
	// ErrInvalidAction.
	Validate() error
	// Summary renders a short human-readable form for status and audit output.
	Summary() string
}

// ClickAction clicks the UI element addressed by a selector.
type ClickAction struct {
	TargetSelector string `json:"target"`
}

func (a ClickAction) Type() ActionType { return ActionClick }
func (a ClickAction) Summary() string  { return "click " + a.TargetSelector }
func (a ClickAction) Validate() error {
	if strings.TrimSpace(a.TargetSelector) == "" {
		return fmt.Errorf("%w: click requires a target selector", ErrInvalidAction)
	}
	return nil
}

// KeyInputAction types text, optionally while holding modifier keys.
type KeyInputAction struct {
	Text      string   `json:"text"`
	Modifiers []string `json:"modifiers,omitempty"`
}

func (a KeyInputAction) Type() ActionType { return ActionKeyInput }
func (a KeyInputAction) Summary() string {
	if len(a.Modifiers) > 0 {
		return "keys " + strings.Join(a.Modifiers, "+") + "+" + a.Text
	}
	return "keys " + a.Text
}
func (a KeyInputAction) Validate() error {
	if a.Text == "" {
		return fmt.Errorf("%w: key input requires text", ErrInvalidAction)
	}
	return nil
}

// CommandAction runs an editor command by name.
type CommandAction struct {
	Text string `json:"text"`
}

func (a CommandAction) Type() ActionType { return ActionCommand }
func (a CommandAction) Summary() string  { return "command " + a.Text }
func (a CommandAction) Validate() error {
	if strings.TrimSpace(a.Text) == "" {
		return fmt.Errorf("%w: command requires text", ErrInvalidAction)
	}
	return nil
}

// CompositeAction executes its steps strictly in sequence. On a step failure
// execution halts; prior steps are not rolled back.
type CompositeAction struct {
	Steps []ActionDescriptor `json:"steps"`
}

func (a CompositeAction) Type() ActionType { return ActionComposite }
func (a CompositeAction) Summary() string {
	parts := make([]string, len(a.Steps))
	for i, s := range a.Steps {
		parts[i] = s.Summary()
	}
	return "composite[" + strings.Join(parts, "; ") + "]"
}
func (a CompositeAction) Validate() error {
	if len(a.Steps) == 0 {
		return fmt.Errorf("%w: composite requires at least one step", ErrInvalidAction)
	}
	for i, s := range a.Steps {
		if s == nil {
			return fmt.Errorf("%w: composite step %d is nil", ErrInvalidAction, i)
		}
		if _, ok := s.(CompositeAction); ok {
			// One level of nesting keeps failure reporting (failing index)
			// unambiguous.
			return fmt.Errorf("%w: composite steps must be primitive actions", ErrInvalidAction)
		}
		if err := s.Validate(); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	return nil
}

// actionEnvelope is the wire form of an ActionDescriptor.
type actionEnvelope struct {
	Type      ActionType            `json:"type"`
	Target    string                `json:"target,omitempty"`
	Text      string                `json:"text,omitempty"`
	Modifiers []string              `json:"modifiers,omitempty"`
	Steps     []jsoniter.RawMessage `json:"steps,omitempty"`
}

// MarshalAction encodes a descriptor into its tagged JSON form.
func MarshalAction(a ActionDescriptor) ([]byte, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: nil descriptor", ErrInvalidAction)
	}
	env := actionEnvelope{Type: a.Type()}
	switch v := a.(type) {
	case ClickAction:
		env.Target = v.TargetSelector
	case KeyInputAction:
		env.Text = v.Text
		env.Modifiers = v.Modifiers
	case CommandAction:
		env.Text = v.Text
	case CompositeAction:
		env.Steps = make([]jsoniter.RawMessage, len(v.Steps))
		for i, s := range v.Steps {
			raw, err := MarshalAction(s)
			if err != nil {
				return nil, fmt.Errorf("step %d: %w", i, err)
			}
			env.Steps[i] = raw
		}
	default:
		return nil, fmt.Errorf("%w: unsupported descriptor %T", ErrInvalidAction, a)
	}
	return json.Marshal(env)
}

// UnmarshalAction decodes the tagged JSON form back into a descriptor.
func UnmarshalAction(data []byte) (ActionDescriptor, error) {
	var env actionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	switch env.Type {
	case ActionClick:
		return ClickAction{TargetSelector: env.Target}, nil
	case ActionKeyInput:
		return KeyInputAction{Text: env.Text, Modifiers: env.Modifiers}, nil
	case ActionCommand:
		return CommandAction{Text: env.Text}, nil
	case ActionComposite:
		steps := make([]ActionDescriptor, len(env.Steps))
		for i, raw := range env.Steps {
			step, err := UnmarshalAction(raw)
			if err != nil {
				return nil, fmt.Errorf("step %d: %w", i, err)
			}
			steps[i] = step
		}
		return CompositeAction{Steps: steps}, nil
	default:
		return nil, fmt.Errorf("%w: unknown action type %q", ErrInvalidAction, env.Type)
	}
}

// MarshalJSON implements json.Marshaler for the interface-bearing variants so
// Pattern and Decision values encode with any JSON encoder.
func (a ClickAction) MarshalJSON() ([]byte, error)     { return MarshalAction(a) }
func (a KeyInputAction) MarshalJSON() ([]byte, error)  { return MarshalAction(a) }
func (a CommandAction) MarshalJSON() ([]byte, error)   { return MarshalAction(a) }
func (a CompositeAction) MarshalJSON() ([]byte, error) { return MarshalAction(a) }

// UnmarshalJSON restores the Action interface field from its tagged form.
func (p *Pattern) UnmarshalJSON(data []byte) error {
	type alias Pattern
	aux := struct {
		*alias
		Action jsoniter.RawMessage `json:"action"`
	}{alias: (*alias)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Action) > 0 {
		action, err := UnmarshalAction(aux.Action)
		if err != nil {
			return err
		}
		p.Action = action
	}
	return nil
}
