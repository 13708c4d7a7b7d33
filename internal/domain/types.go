package domain

import (
	"fmt"
	"time"
)

// ============================================================================
// Event sources
// ============================================================================

const (
	SourceUser  = "user"
	SourceAgent = "agent"
)

// Media kinds delivered by the transport adapter. Non-text media forces a
// DIRECT/QUICK_REPLY verdict in the gatekeeper.
const (
	MediaNone    = ""
	MediaSticker = "sticker"
	MediaVoice   = "voice"
	MediaImage   = "image"
)

// Event is one raw chat event as delivered by the transport adapter.
type Event struct {
	ChatID     int64   `json:"chat_id"`
	MessageID  int64   `json:"message_id"`
	Source     string  `json:"source"` // user or agent
	SenderID   int64   `json:"sender_id"`
	SenderName string  `json:"sender_name,omitempty"`
	ChatType   string  `json:"chat_type,omitempty"` // private, group, supergroup
	Text       string  `json:"text"`
	Media      string  `json:"media,omitempty"`
	Timestamp  float64 `json:"timestamp"` // seconds since epoch
}

// UID returns the globally unique message key chat_id:message_id.
func (e *Event) UID() string {
	return fmt.Sprintf("%d:%d", e.ChatID, e.MessageID)
}

// Time converts the epoch timestamp to time.Time.
func (e *Event) Time() time.Time {
	sec := int64(e.Timestamp)
	nsec := int64((e.Timestamp - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// Validate checks required event fields.
func (e *Event) Validate() error {
	if e.ChatID == 0 {
		return fmt.Errorf("chat_id is required")
	}
	if e.MessageID == 0 {
		return fmt.Errorf("message_id is required")
	}
	if e.Source != SourceUser && e.Source != SourceAgent {
		return fmt.Errorf("source must be %q or %q", SourceUser, SourceAgent)
	}
	if e.Timestamp <= 0 {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

// ============================================================================
// Gatekeeper verdict
// ============================================================================

const (
	TargetDirect     = "DIRECT"
	TargetContextual = "CONTEXTUAL"
	TargetNobody     = "NOBODY"
	TargetOtherUser  = "OTHER_USER"
)

const (
	DepthQuickReply   = "QUICK_REPLY"
	DepthDeepAnalysis = "DEEP_ANALYSIS"
	DepthSkip         = "SKIP"
)

const (
	ToneHumor   = "HUMOR"
	ToneSerious = "SERIOUS"
	ToneNeutral = "NEUTRAL"
)

// GateVerdict is the triage tuple produced by the gatekeeper.
type GateVerdict struct {
	Target        string `json:"target"`
	RequiredDepth string `json:"required_depth"`
	ToneHint      string `json:"tone_hint"`
}

// Validate enforces the verdict schema.
func (v *GateVerdict) Validate() error {
	switch v.Target {
	case TargetDirect, TargetContextual, TargetNobody, TargetOtherUser:
	default:
		return fmt.Errorf("invalid target: %q", v.Target)
	}
	switch v.RequiredDepth {
	case DepthQuickReply, DepthDeepAnalysis, DepthSkip:
	default:
		return fmt.Errorf("invalid required_depth: %q", v.RequiredDepth)
	}
	switch v.ToneHint {
	case ToneHumor, ToneSerious, ToneNeutral:
	default:
		return fmt.Errorf("invalid tone_hint: %q", v.ToneHint)
	}
	return nil
}

// Skip reports whether the pipeline terminates for this message.
func (v *GateVerdict) Skip() bool {
	return v.RequiredDepth == DepthSkip
}

// SkipVerdict is the safe fallback when classification fails.
func SkipVerdict() GateVerdict {
	return GateVerdict{Target: TargetNobody, RequiredDepth: DepthSkip, ToneHint: ToneNeutral}
}

// ============================================================================
// Thinker output
// ============================================================================

// TopicRef is one topic reference in an enrichment payload.
type TopicRef struct {
	Title       string `json:"title"`
	IsNew       bool   `json:"is_new"`
	Description string `json:"description,omitempty"`
}

// EntityRef is one entity reference in an enrichment payload.
type EntityRef struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Enrichment is the semantic payload the thinker hands back to the scribe.
type Enrichment struct {
	MsgUID    string      `json:"msg_uid"`
	Topics    []TopicRef  `json:"topics"`
	Entities  []EntityRef `json:"entities"`
	Narrative string      `json:"narrative"`
}

// Empty reports whether the enrichment adds nothing.
func (e *Enrichment) Empty() bool {
	return len(e.Topics) == 0 && len(e.Entities) == 0 && e.Narrative == ""
}

// ============================================================================
// Queue payloads
// ============================================================================

// TriagePayload travels from scribe to gatekeeper.
type TriagePayload struct {
	MessageUID string `json:"message_uid"`
	Event      Event  `json:"event"`
}

// AnalysisPayload travels from gatekeeper to thinker for deep analysis.
type AnalysisPayload struct {
	MessageUID string      `json:"message_uid"`
	Event      Event       `json:"event"`
	Verdict    GateVerdict `json:"gate_decision"`
}

// PlanningPayload travels to the analyst, from the gatekeeper directly for
// quick replies or from the thinker with a narrative attached.
type PlanningPayload struct {
	MessageUID string      `json:"message_uid"`
	Event      Event       `json:"event"`
	Verdict    GateVerdict `json:"gate_decision"`
	Narrative  string      `json:"narrative"`
	ThoughtID  string      `json:"thought_id,omitempty"`
}

// OutgoingMessage is the payload handed to the transport adapter.
type OutgoingMessage struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

// ============================================================================
// Coordinator context
// ============================================================================

// ToolOutput is the result of one executed plan task.
type ToolOutput struct {
	TaskID   int    `json:"task_id"`
	Action   string `json:"action"`
	Content  string `json:"content,omitempty"`
	Error    string `json:"error,omitempty"`
	TimedOut bool   `json:"timed_out,omitempty"`
	Rejected bool   `json:"rejected,omitempty"`
}

// CoordinatorContext bundles the plan and its tool outputs for the
// responder.
type CoordinatorContext struct {
	SnapshotID string       `json:"snapshot_id"`
	MessageUID string       `json:"message_uid"`
	Event      Event        `json:"event"`
	Verdict    GateVerdict  `json:"gate_decision"`
	Intent     string       `json:"intent"`
	Narrative  string       `json:"narrative,omitempty"`
	Tasks      []PlanTask   `json:"tasks"`
	Outputs    []ToolOutput `json:"outputs"`
}
