package runtime

import (
	"fmt"
	"strings"
)

type ActionType string

const (
	ActionNavigate   ActionType = "navigate"
	ActionClick      ActionType = "click"
	ActionTypeText   ActionType = "type"
	ActionWait       ActionType = "wait"
	ActionSelect     ActionType = "select"
	ActionHover      ActionType = "hover"
	ActionScroll     ActionType = "scroll"
	ActionScreenshot ActionType = "screenshot"
	ActionAssert     ActionType = "assert"
)

func ParseActionType(s string) (ActionType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "navigate", "goto":
		return ActionNavigate, nil
	case "click":
		return ActionClick, nil
	case "type", "fill", "input":
		return ActionTypeText, nil
	case "wait":
		return ActionWait, nil
	case "select":
		return ActionSelect, nil
	case "hover":
		return ActionHover, nil
	case "scroll":
		return ActionScroll, nil
	case "screenshot":
		return ActionScreenshot, nil
	case "assert":
		return ActionAssert, nil
	default:
		return "", fmt.Errorf("invalid action type: %q", s)
	}
}

type AssertionKind string

const (
	AssertVisible   AssertionKind = "visible"
	AssertText      AssertionKind = "text"
	AssertValue     AssertionKind = "value"
	AssertURL       AssertionKind = "url"
	AssertTitle     AssertionKind = "title"
	AssertCount     AssertionKind = "count"
	AssertAttribute AssertionKind = "attribute"
)

func ParseAssertionKind(s string) (AssertionKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "visible":
		return AssertVisible, nil
	case "text":
		return AssertText, nil
	case "value":
		return AssertValue, nil
	case "url":
		return AssertURL, nil
	case "title":
		return AssertTitle, nil
	case "count":
		return AssertCount, nil
	case "attribute":
		return AssertAttribute, nil
	default:
		return "", fmt.Errorf("invalid assertion kind: %q", s)
	}
}

type TestStep struct {
	Action      ActionType `json:"action"`
	Selector    string     `json:"selector,omitempty"`
	Value       string     `json:"value,omitempty"`
	Description string     `json:"description"`
}

type Assertion struct {
	Kind        AssertionKind `json:"type"`
	Selector    string        `json:"selector,omitempty"`
	Expected    string        `json:"expected"`
	Operator    string        `json:"operator,omitempty"`
	Description string        `json:"description"`
}

// TestPlan is the structured decomposition of the natural-language
// instruction: ordered semantic steps plus the assertions that define pass.
// Set once by planning; healing may amend it.
type TestPlan struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	URL         string      `json:"url"`
	Steps       []TestStep  `json:"steps"`
	Assertions  []Assertion `json:"assertions"`
	Tags        []string    `json:"tags,omitempty"`
}

func (p *TestPlan) Validate() error {
	if p == nil {
		return fmt.Errorf("plan is nil")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan has no actionable steps")
	}
	for i, st := range p.Steps {
		if _, err := ParseActionType(string(st.Action)); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	for i, a := range p.Assertions {
		if _, err := ParseAssertionKind(string(a.Kind)); err != nil {
			return fmt.Errorf("assertion %d: %w", i, err)
		}
	}
	return nil
}
