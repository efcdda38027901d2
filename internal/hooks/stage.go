package hooks

import (
	"errors"
	"fmt"
	"strings"
)

// Stage is a point in a session's lifecycle hooks can be attached to.
type Stage int

const (
	ContextCreated Stage = iota + 1
	BeforeNavigate
	AfterNavigate
	OnRequest
	OnResponse
)

var stageNames = map[Stage]string{
	ContextCreated: "context_created",
	BeforeNavigate: "before_navigate",
	AfterNavigate:  "after_navigate",
	OnRequest:      "on_request",
	OnResponse:     "on_response",
}

var ErrUnknownStage = errors.New("unknown hook stage")

func (s Stage) Valid() bool {
	_, ok := stageNames[s]
	return ok
}

func (s Stage) String() string {
	name, ok := stageNames[s]
	if !ok {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return name
}

// Stages lists every stage in lifecycle order.
func Stages() []Stage {
	return []Stage{ContextCreated, BeforeNavigate, AfterNavigate, OnRequest, OnResponse}
}

// ParseStage accepts a stage's name in any case, with dashes or underscores.
func ParseStage(name string) (Stage, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	for stage, stageName := range stageNames {
		if stageName == normalized || strings.ReplaceAll(stageName, "_", "") == normalized {
			return stage, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStage, name)
}
