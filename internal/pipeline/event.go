package pipeline

// EventType names one kind of progress event on the wire.
type EventType string

const (
	EventStageStart    EventType = "stage_start"
	EventStageChunk    EventType = "stage_chunk"
	EventStageComplete EventType = "stage_complete"
	EventRunComplete   EventType = "run_complete"
	EventError         EventType = "error"
)

// Event is one unit of streamed progress. It serialises to a single JSON
// object with absent fields omitted. Events are never persisted.
type Event struct {
	Type    EventType `json:"type"`
	Stage   Stage     `json:"stage,omitempty"`
	Content string    `json:"content,omitempty"`
	Data    any       `json:"data,omitempty"`
	Status  string    `json:"status,omitempty"`
	Message string    `json:"message,omitempty"`

	// Set on stage_complete only.
	ElapsedMS int64 `json:"elapsed_ms,omitempty"`
	Chars     int   `json:"chars,omitempty"`
	Extracted *bool `json:"extracted,omitempty"`
}

// Emitter receives events in the order they are produced. The run service
// pushes them into the run's event channel.
type Emitter func(Event)

// Terminal reports whether e ends a run's event stream.
func (e Event) Terminal() bool {
	return e.Type == EventRunComplete || e.Type == EventError
}

func stageStart(s Stage) Event {
	return Event{Type: EventStageStart, Stage: s, Status: s.Status()}
}

func stageChunk(s Stage, content string) Event {
	return Event{Type: EventStageChunk, Stage: s, Content: content}
}

func stageComplete(s Stage, res StageResult) Event {
	extracted := res.Value.Present()
	return Event{
		Type:      EventStageComplete,
		Stage:     s,
		Data:      res.Value.Any(),
		ElapsedMS: res.Elapsed.Milliseconds(),
		Chars:     res.Chars,
		Extracted: &extracted,
	}
}

// RunComplete builds the terminal success event carrying the aggregate.
func RunComplete(data any) Event {
	return Event{Type: EventRunComplete, Data: data}
}

// ErrorEvent builds the terminal failure event.
func ErrorEvent(stage Stage, msg string) Event {
	return Event{Type: EventError, Stage: stage, Message: msg}
}

// StoredStageComplete rebuilds a stage_complete event for a result read back
// from the store. Timing fields are unknown and omitted.
func StoredStageComplete(s Stage, data any) Event {
	extracted := data != nil
	return Event{Type: EventStageComplete, Stage: s, Data: data, Extracted: &extracted}
}
