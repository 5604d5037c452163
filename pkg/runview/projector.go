package runview

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/forgeops/foreman/pkg/storage"
	"github.com/forgeops/foreman/pkg/types"
)

const (
	// Caps on the bounded views
	TimelineCap = 1200
	ThinkingCap = 400
	ToolCap     = 600

	// HydrateScan bounds how many recent events hydrate a cold view
	HydrateScan = 4000

	// MessageLimit truncates timeline messages
	MessageLimit = 360
)

// TimelineEntry is one row of a run's event timeline
type TimelineEntry struct {
	Sequence  int64
	EventType string
	Category  string
	Message   string
}

// ThinkingEntry is one recognized reasoning fragment
type ThinkingEntry struct {
	Sequence int64
	Text     string
}

// ToolEntry tracks one tool invocation; upserted by tool call id when
// the payload carries one
type ToolEntry struct {
	Sequence   int64
	ToolName   string
	ToolCallID string
	Status     string
	Message    string
}

// DiffSnapshot is the run's current diff view
type DiffSnapshot struct {
	Sequence int64
	Patch    string
	Stat     string
}

// View is the projected state of one run
type View struct {
	RunID    string
	LastSeq  int64
	Timeline []TimelineEntry
	Thinking []ThinkingEntry
	Tools    []ToolEntry
	Diff     *DiffSnapshot
}

type runState struct {
	mu       sync.Mutex
	hydrated bool
	view     View
}

// Projector maintains per-run in-memory projections of structured
// events. Views hydrate lazily from the store and are guarded by a
// per-run mutex; there are no pointers from stored events back into
// projector memory.
type Projector struct {
	store storage.Store

	mu   sync.Mutex
	runs map[string]*runState
}

// NewProjector creates a projector over the store
func NewProjector(store storage.Store) *Projector {
	return &Projector{
		store: store,
		runs:  make(map[string]*runState),
	}
}

func (p *Projector) state(runID string) *runState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.runs[runID]
	if !ok {
		st = &runState{view: View{RunID: runID}}
		p.runs[runID] = st
	}
	return st
}

// Forget drops a run's projection, freeing its memory
func (p *Projector) Forget(runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.runs, runID)
}

// Apply folds one event into the run's view, hydrating it first if
// needed. Events at or below the last applied sequence are ignored.
func (p *Projector) Apply(ctx context.Context, event *types.StructuredEvent) error {
	st := p.state(event.RunID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := p.hydrateLocked(ctx, st); err != nil {
		return err
	}
	applyEvent(&st.view, event)
	return nil
}

// Get returns a copy of the run's view, hydrating it first if needed
func (p *Projector) Get(ctx context.Context, runID string) (*View, error) {
	st := p.state(runID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := p.hydrateLocked(ctx, st); err != nil {
		return nil, err
	}
	return copyView(&st.view), nil
}

func (p *Projector) hydrateLocked(ctx context.Context, st *runState) error {
	if st.hydrated {
		return nil
	}
	events, err := p.store.ListStructuredEvents(ctx, st.view.RunID, HydrateScan)
	if err != nil {
		return err
	}
	for _, event := range events {
		applyEvent(&st.view, event)
	}
	st.hydrated = true
	return nil
}

func copyView(v *View) *View {
	cp := View{
		RunID:    v.RunID,
		LastSeq:  v.LastSeq,
		Timeline: append([]TimelineEntry(nil), v.Timeline...),
		Thinking: append([]ThinkingEntry(nil), v.Thinking...),
		Tools:    append([]ToolEntry(nil), v.Tools...),
	}
	if v.Diff != nil {
		diff := *v.Diff
		cp.Diff = &diff
	}
	return &cp
}

// payloadFields is the subset of event payloads the projector
// recognizes
type payloadFields struct {
	Thinking   string `json:"thinking"`
	Reasoning  string `json:"reasoning"`
	Analysis   string `json:"analysis"`
	Text       string `json:"text"`
	ToolName   string `json:"toolName"`
	ToolCallID string `json:"toolCallId"`
	Status     string `json:"status"`
	DiffPatch  string `json:"diffPatch"`
	DiffStat   string `json:"diffStat"`
}

func applyEvent(view *View, event *types.StructuredEvent) {
	// De-duplicate by sequence; events arrive per-run ordered
	if event.Sequence <= view.LastSeq {
		return
	}
	view.LastSeq = event.Sequence

	var fields payloadFields
	if len(event.Payload) > 0 {
		// Unrecognized payloads still make timeline entries
		_ = json.Unmarshal(event.Payload, &fields)
	}

	view.Timeline = append(view.Timeline, TimelineEntry{
		Sequence:  event.Sequence,
		EventType: event.EventType,
		Category:  event.Category,
		Message:   timelineMessage(event),
	})
	if len(view.Timeline) > TimelineCap {
		view.Timeline = view.Timeline[len(view.Timeline)-TimelineCap:]
	}

	if text, ok := thinkingText(event, &fields); ok {
		view.Thinking = append(view.Thinking, ThinkingEntry{Sequence: event.Sequence, Text: text})
		if len(view.Thinking) > ThinkingCap {
			view.Thinking = view.Thinking[len(view.Thinking)-ThinkingCap:]
		}
	}

	if isTool(event, &fields) {
		applyTool(view, event, &fields)
	}

	if fields.DiffPatch != "" || fields.DiffStat != "" || event.Category == "diff" {
		view.Diff = &DiffSnapshot{
			Sequence: event.Sequence,
			Patch:    fields.DiffPatch,
			Stat:     fields.DiffStat,
		}
	}
}

// timelineMessage prefers summary, then error, then raw payload,
// truncated to the message limit
func timelineMessage(event *types.StructuredEvent) string {
	msg := event.Summary
	if msg == "" {
		msg = event.Error
	}
	if msg == "" {
		msg = string(event.Payload)
	}
	if len(msg) > MessageLimit {
		msg = msg[:MessageLimit]
	}
	return msg
}

func thinkingText(event *types.StructuredEvent, fields *payloadFields) (string, bool) {
	switch event.Category {
	case "thinking", "reasoning", "analysis":
		text := firstNonEmpty(fields.Thinking, fields.Reasoning, fields.Analysis, fields.Text, event.Summary)
		return text, text != ""
	}
	if text := firstNonEmpty(fields.Thinking, fields.Reasoning, fields.Analysis); text != "" {
		return text, true
	}
	return "", false
}

func isTool(event *types.StructuredEvent, fields *payloadFields) bool {
	return event.Category == "tool" || fields.ToolName != "" || fields.ToolCallID != ""
}

// applyTool upserts by tool call id when present, appends otherwise
func applyTool(view *View, event *types.StructuredEvent, fields *payloadFields) {
	entry := ToolEntry{
		Sequence:   event.Sequence,
		ToolName:   fields.ToolName,
		ToolCallID: fields.ToolCallID,
		Status:     fields.Status,
		Message:    timelineMessage(event),
	}

	if entry.ToolCallID != "" {
		for i := range view.Tools {
			if view.Tools[i].ToolCallID == entry.ToolCallID {
				if entry.ToolName == "" {
					entry.ToolName = view.Tools[i].ToolName
				}
				view.Tools[i] = entry
				return
			}
		}
	}

	view.Tools = append(view.Tools, entry)
	if len(view.Tools) > ToolCap {
		view.Tools = view.Tools[len(view.Tools)-ToolCap:]
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
