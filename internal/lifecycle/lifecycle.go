// Package lifecycle defines the advance_lifecycle hand-off contract between
// agents and the pipeline: the record type, the per-agent-type capability
// table, and validation of incoming calls.
package lifecycle

import (
	"fmt"
	"time"
)

// AgentType identifies what kind of agent a subprocess is running as.
type AgentType string

const (
	TypeIssuer      AgentType = "issuer"
	TypeWorker      AgentType = "worker"
	TypeDesigner    AgentType = "designer"
	TypeSpeedy      AgentType = "speedy"
	TypeFinisher    AgentType = "finisher"
	TypeMerger      AgentType = "merger"
	TypeSteering    AgentType = "steering"
	TypeSingularity AgentType = "singularity"
)

// Action is what an agent asks for when handing off.
type Action string

const (
	ActionAdvance Action = "advance"
	ActionClose   Action = "close"
	ActionBlock   Action = "block"
)

// Record is a validated advance_lifecycle call, held per task until the
// emitting agent exits and the pipeline consumes it.
type Record struct {
	TaskID    string    `json:"taskId"`
	AgentType AgentType `json:"agentType"`
	Action    Action    `json:"action"`
	Target    AgentType `json:"target,omitempty"`
	Message   string    `json:"message,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	AgentID   string    `json:"agentId,omitempty"`
	At        time.Time `json:"ts"`
}

// capability enumerates what one agent type may do.
type capability struct {
	actions map[Action]bool
	targets map[AgentType]bool // allowed advance targets
}

// capabilities is the authoritative per-type table.
var capabilities = map[AgentType]capability{
	TypeIssuer: {
		actions: map[Action]bool{ActionAdvance: true, ActionClose: true, ActionBlock: true},
		targets: map[AgentType]bool{TypeWorker: true, TypeDesigner: true},
	},
	TypeWorker: {
		actions: map[Action]bool{ActionAdvance: true, ActionBlock: true},
		targets: map[AgentType]bool{TypeFinisher: true},
	},
	TypeDesigner: {
		actions: map[Action]bool{ActionAdvance: true, ActionBlock: true},
		targets: map[AgentType]bool{TypeFinisher: true},
	},
	TypeSpeedy: {
		actions: map[Action]bool{ActionAdvance: true, ActionClose: true, ActionBlock: true},
		targets: map[AgentType]bool{TypeIssuer: true, TypeFinisher: true},
	},
	TypeFinisher: {
		actions: map[Action]bool{ActionAdvance: true, ActionClose: true, ActionBlock: true},
		targets: map[AgentType]bool{TypeWorker: true, TypeIssuer: true},
	},
	// merger, steering and singularity never record a lifecycle hand-off.
}

// ValidAgentType reports whether t names a known agent type.
func ValidAgentType(t AgentType) bool {
	switch t {
	case TypeIssuer, TypeWorker, TypeDesigner, TypeSpeedy, TypeFinisher,
		TypeMerger, TypeSteering, TypeSingularity:
		return true
	}
	return false
}

// WorkerClass reports whether t counts against the worker slot budget.
// Workers, designers and speedy agents share one slot per task.
func WorkerClass(t AgentType) bool {
	return t == TypeWorker || t == TypeDesigner || t == TypeSpeedy
}

// Validate checks a record against the capability table. It returns nil when
// the record may be stored; nothing is recorded on error.
func Validate(rec *Record) error {
	if rec.TaskID == "" {
		return fmt.Errorf("advance_lifecycle requires a taskId")
	}
	if !ValidAgentType(rec.AgentType) {
		return fmt.Errorf("unknown agent type %q", rec.AgentType)
	}
	cap, ok := capabilities[rec.AgentType]
	if !ok {
		return fmt.Errorf("agent type %q records no lifecycle hand-off", rec.AgentType)
	}
	if !cap.actions[rec.Action] {
		return fmt.Errorf("agent type %q may not perform action %q", rec.AgentType, rec.Action)
	}
	switch rec.Action {
	case ActionAdvance:
		if rec.Target == "" {
			return fmt.Errorf("action %q requires a target", ActionAdvance)
		}
		if !cap.targets[rec.Target] {
			return fmt.Errorf("agent type %q may not advance to %q", rec.AgentType, rec.Target)
		}
	default:
		if rec.Target != "" {
			return fmt.Errorf("action %q takes no target", rec.Action)
		}
	}
	return nil
}
