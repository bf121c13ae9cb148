// Package agent implements the simulation participant: identity, bounded
// conversation memory, plan state, knowledge, and the LLM round-trip that
// produces at most one action per step.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"

	"github.com/simloom/simloom/pkg/action"
	"github.com/simloom/simloom/pkg/llm"
	"github.com/simloom/simloom/pkg/models"
)

// Failure kinds reported in agent_error events.
const (
	FailureLLMCall = "llm_call"
	FailureParse   = "parse"
	FailureOffline = "offline"
)

// Emitter receives the agent's events. Bound at runtime by the simulator;
// never serialized.
type Emitter func(ev models.StreamEvent)

// Options tune an agent's retry and error behavior.
type Options struct {
	MaxRepeat               int // extra attempts after the first (total = MaxRepeat+1)
	MaxConsecutiveLLMErrors int
	EmotionEnabled          bool
	AutoRAG                 bool
	RAGChunkLimit           int
}

// DefaultOptions mirror the environment knob defaults.
func DefaultOptions() Options {
	return Options{
		MaxRepeat:               2,
		MaxConsecutiveLLMErrors: 5,
		RAGChunkLimit:           4,
	}
}

// Agent is one simulated participant. Exclusively owned by a single
// simulator snapshot; Clone produces a deep-independent copy for branching.
type Agent struct {
	name     string
	profile  string
	style    string
	role     string
	language string

	catalog *action.Catalog
	memory  *ShortTermMemory
	plan    PlanState
	emotion string

	properties map[string]any

	knowledgeBase []models.KnowledgeItem
	documents     map[string]models.Document
	// global is the simulation-wide knowledge map, shared by reference across
	// agents of one snapshot and replaced wholesale on hot-patch.
	global map[string]string

	consecutiveLLMErrors int
	offline              bool
	lastHistoryLength    int

	opts Options
	emit Emitter
}

// New creates an agent from its spec slice of the simulation config.
func New(spec models.AgentSpec, opts Options) *Agent {
	return &Agent{
		name:          spec.Name,
		profile:       spec.Profile,
		style:         spec.Style,
		role:          spec.Role,
		language:      spec.Language,
		properties:    cloneAnyMap(spec.Properties),
		knowledgeBase: append([]models.KnowledgeItem(nil), spec.KnowledgeBase...),
		documents:     models.CloneDocuments(spec.Documents),
		catalog:       action.NewCatalog(),
		memory:        NewShortTermMemory(),
		opts:          opts,
	}
}

// Name returns the agent's name. Implements action.Actor.
func (a *Agent) Name() string { return a.name }

// Role returns the agent's role. Implements action.Actor.
func (a *Agent) Role() string { return a.role }

// Profile returns the agent's profile text.
func (a *Agent) Profile() string { return a.profile }

// Offline reports whether the offline latch is set.
func (a *Agent) Offline() bool { return a.offline }

// Memory exposes the agent's conversation memory.
func (a *Agent) Memory() *ShortTermMemory { return a.memory }

// Plan returns the current plan state.
func (a *Agent) Plan() PlanState { return a.plan }

// Emotion returns the current emotion value.
func (a *Agent) Emotion() string { return a.emotion }

// Catalog exposes the agent's action catalog.
func (a *Agent) Catalog() *action.Catalog { return a.catalog }

// KnowledgeBase returns the agent's knowledge items.
func (a *Agent) KnowledgeBase() []models.KnowledgeItem { return a.knowledgeBase }

// Documents returns the agent's document map.
func (a *Agent) Documents() map[string]models.Document { return a.documents }

// Property returns a named scene property.
func (a *Agent) Property(key string) (any, bool) {
	v, ok := a.properties[key]
	return v, ok
}

// SetProperty sets a scene property. Scenes use this in InitializeAgent.
func (a *Agent) SetProperty(key string, value any) {
	if a.properties == nil {
		a.properties = map[string]any{}
	}
	a.properties[key] = value
}

// Properties returns a copy of the property map.
func (a *Agent) Properties() map[string]any { return cloneAnyMap(a.properties) }

// SetRole overrides the role. Scenes assign roles in InitializeAgent.
func (a *Agent) SetRole(role string) { a.role = role }

// MergeActions appends action definitions to the catalog, deduplicated.
func (a *Agent) MergeActions(defs ...*action.Definition) { a.catalog.Merge(defs...) }

// SetKnowledge replaces the knowledge base and documents. Used by the
// registry's hot-patch; memory, plan and counters are untouched.
func (a *Agent) SetKnowledge(kb []models.KnowledgeItem, docs map[string]models.Document) {
	a.knowledgeBase = append([]models.KnowledgeItem(nil), kb...)
	if docs != nil {
		a.documents = models.CloneDocuments(docs)
	}
}

// SetGlobalKnowledge points the agent at the simulation-wide knowledge map.
// The map is shared by reference across agents of a snapshot.
func (a *Agent) SetGlobalKnowledge(global map[string]string) { a.global = global }

// BindEmitter installs the event sink. Pass nil to silence the agent.
func (a *Agent) BindEmitter(emit Emitter) { a.emit = emit }

func (a *Agent) emitEvent(typ string, data map[string]any) {
	if a.emit == nil {
		return
	}
	a.emit(models.StreamEvent{Type: typ, Data: data})
}

// AddEnvFeedback appends a user-role entry to memory and emits
// agent_ctx_delta. This is how the environment talks to the agent.
func (a *Agent) AddEnvFeedback(content string, media []string) {
	a.memory.Append(models.RoleUser, content, media)
	a.emitEvent(models.TypeAgentCtxDelta, map[string]any{
		"agent":   a.name,
		"content": content,
		"media":   media,
	})
}

// Process runs one step: build the prompt, call the LLM with retries, parse
// the response, apply plan/emotion updates, and return the parsed actions
// (usually one). It returns an empty slice when the agent has nothing new to
// say: offline latch set, or memory unchanged since the last invocation
// without initiative. LLM and parse failures are reported as agent_error
// events, never as Go errors.
func (a *Agent) Process(ctx context.Context, clients *llm.Clients, initiative bool, view SceneView) []action.Data {
	if a.offline {
		return nil
	}
	if !initiative && a.memory.Len() == a.lastHistoryLength {
		return nil
	}

	messages := a.buildMessages(ctx, clients, initiative, view)

	client := clients.ChatOrDefault()
	for attempt := 0; attempt <= a.opts.MaxRepeat; attempt++ {
		if a.offline {
			break
		}

		var text string
		var err error
		if client == nil {
			err = errors.New("no chat client available")
		} else {
			text, err = client.Chat(ctx, messages)
		}
		if err != nil {
			a.recordFailure(FailureLLMCall, err, attempt)
			continue
		}

		parsed, perr := ParseResponse(text)
		if perr != nil {
			a.recordFailure(FailureParse, perr, attempt)
			continue
		}

		a.consecutiveLLMErrors = 0
		a.memory.Append(models.RoleAssistant, text, nil)
		a.lastHistoryLength = a.memory.Len()
		a.applyUpdates(parsed)
		return []action.Data{parsed.Action}
	}

	return nil
}

// buildMessages assembles [system, …memory, continuation-hint?].
func (a *Agent) buildMessages(ctx context.Context, clients *llm.Clients, initiative bool, view SceneView) []models.Message {
	ragContext := ""
	if a.opts.AutoRAG && clients != nil && clients.Retriever != nil {
		ragContext = a.retrieveContext(ctx, clients.Retriever)
	}

	messages := []models.Message{{
		Role:    models.RoleSystem,
		Content: buildSystemPrompt(a, view, ragContext),
	}}
	messages = append(messages, a.memory.Messages()...)

	// The model needs to know a new step is expected when nothing was added
	// to memory since its own last turn.
	last, ok := a.memory.Last()
	if initiative || (ok && last.Role == models.RoleAssistant) {
		messages = append(messages, models.Message{Role: models.RoleUser, Content: continuationHint})
	}
	return messages
}

// retrieveContext derives a retrieval query from recent memory.
func (a *Agent) retrieveContext(ctx context.Context, retriever llm.Retriever) string {
	tail := a.memory.Tail(4)
	if len(tail) == 0 {
		return ""
	}
	parts := make([]string, 0, len(tail))
	for _, m := range tail {
		parts = append(parts, m.Content)
	}
	limit := a.opts.RAGChunkLimit
	if limit <= 0 {
		limit = DefaultOptions().RAGChunkLimit
	}
	chunks, err := retriever.Retrieve(ctx, strings.Join(parts, "\n"), limit)
	if err != nil {
		slog.Warn("Knowledge retrieval failed, continuing without context",
			"agent", a.name, "error", err)
		return ""
	}
	return strings.Join(chunks, "\n---\n")
}

// recordFailure counts a failed attempt and latches offline at the
// threshold. The offline transition emits exactly one additional
// agent_error{kind:"offline"}.
func (a *Agent) recordFailure(kind string, err error, attempt int) {
	a.consecutiveLLMErrors++
	a.emitEvent(models.TypeAgentError, map[string]any{
		"agent":   a.name,
		"kind":    kind,
		"error":   err.Error(),
		"attempt": attempt,
	})
	if a.opts.MaxConsecutiveLLMErrors > 0 &&
		a.consecutiveLLMErrors >= a.opts.MaxConsecutiveLLMErrors && !a.offline {
		a.offline = true
		a.emitEvent(models.TypeAgentError, map[string]any{
			"agent": a.name,
			"kind":  FailureOffline,
		})
	}
}

// applyUpdates commits plan and emotion updates from a parsed response.
func (a *Agent) applyUpdates(parsed *ParsedResponse) {
	if parsed.PlanUpdate != nil {
		a.plan = parsed.PlanUpdate.Clone()
		a.emitEvent(models.TypePlanUpdate, map[string]any{
			"agent": a.name,
			"plan":  a.plan,
		})
	}
	if a.opts.EmotionEnabled && parsed.Emotion != "" {
		a.emotion = parsed.Emotion
		a.emitEvent(models.TypeEmotionUpdate, map[string]any{
			"agent":   a.name,
			"emotion": a.emotion,
		})
	}
}

// Clone deep-copies the agent. The catalog is shared (definitions are
// stateless); the emitter is not carried — the new owner binds its own.
func (a *Agent) Clone() *Agent {
	return &Agent{
		name:                 a.name,
		profile:              a.profile,
		style:                a.style,
		role:                 a.role,
		language:             a.language,
		catalog:              action.NewCatalog(a.catalog.All()...),
		memory:               a.memory.Clone(),
		plan:                 a.plan.Clone(),
		emotion:              a.emotion,
		properties:           cloneAnyMap(a.properties),
		knowledgeBase:        append([]models.KnowledgeItem(nil), a.knowledgeBase...),
		documents:            models.CloneDocuments(a.documents),
		global:               a.global,
		consecutiveLLMErrors: a.consecutiveLLMErrors,
		offline:              a.offline,
		lastHistoryLength:    a.lastHistoryLength,
		opts:                 a.opts,
	}
}

// sortedGlobalKnowledge returns the global knowledge as sorted key/value
// pairs so prompt rendering is deterministic.
func (a *Agent) sortedGlobalKnowledge() [][2]string {
	if len(a.global) == 0 {
		return nil
	}
	keys := make([]string, 0, len(a.global))
	for k := range a.global {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][2]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, [2]string{k, a.global[k]})
	}
	return out
}

// cloneAnyMap deep-copies a JSON-shaped property map. Scenes store
// structured state here (positions, hands, counters), so nested maps and
// slices must not be shared across snapshots.
func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneAnyValue(v)
	}
	return out
}

func cloneAnyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneAnyMap(t)
	case []any:
		cp := make([]any, len(t))
		for i, item := range t {
			cp[i] = cloneAnyValue(item)
		}
		return cp
	default:
		return v
	}
}
