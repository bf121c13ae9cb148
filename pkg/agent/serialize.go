package agent

import (
	"encoding/json"
	"fmt"

	"github.com/simloom/simloom/pkg/action"
	"github.com/simloom/simloom/pkg/models"
)

// State is the serialized form of an agent. Documents are stored as
// chunk+embedding maps for portability; the action catalog is stored by
// name and rebuilt by the scene at rehydrate time. The offline latch and
// error counter round-trip so an agent that went silent stays silent after
// a resume.
type State struct {
	Name     string `json:"name"`
	Profile  string `json:"profile,omitempty"`
	Style    string `json:"style,omitempty"`
	Role     string `json:"role,omitempty"`
	Language string `json:"language,omitempty"`

	Actions    []string                   `json:"actions"`
	Memory     []models.Message           `json:"memory"`
	Plan       PlanState                  `json:"plan"`
	Emotion    string                     `json:"emotion,omitempty"`
	Properties map[string]any             `json:"properties,omitempty"`
	Knowledge  []models.KnowledgeItem     `json:"knowledge,omitempty"`
	Documents  map[string]models.Document `json:"documents,omitempty"`

	ConsecutiveLLMErrors int  `json:"consecutive_llm_errors"`
	Offline              bool `json:"offline"`
	LastHistoryLength    int  `json:"last_history_length"`

	Options Options `json:"options"`
}

// Serialize captures the full agent state.
func (a *Agent) Serialize() State {
	return State{
		Name:                 a.name,
		Profile:              a.profile,
		Style:                a.style,
		Role:                 a.role,
		Language:             a.language,
		Actions:              a.catalog.Names(),
		Memory:               a.memory.Messages(),
		Plan:                 a.plan.Clone(),
		Emotion:              a.emotion,
		Properties:           cloneAnyMap(a.properties),
		Knowledge:            append([]models.KnowledgeItem(nil), a.knowledgeBase...),
		Documents:            models.CloneDocuments(a.documents),
		ConsecutiveLLMErrors: a.consecutiveLLMErrors,
		Offline:              a.offline,
		LastHistoryLength:    a.lastHistoryLength,
		Options:              a.opts,
	}
}

// CatalogResolver rebuilds an action catalog from persisted action names.
// Scenes provide this at deserialization.
type CatalogResolver func(names []string) *action.Catalog

// Deserialize reconstructs an agent from its persisted state. The emitter is
// left unbound; the simulator binds it after assembly.
func Deserialize(st State, resolve CatalogResolver) (*Agent, error) {
	if st.Name == "" {
		return nil, fmt.Errorf("agent state has no name")
	}
	catalog := action.NewCatalog()
	if resolve != nil {
		if c := resolve(st.Actions); c != nil {
			catalog = c
		}
	}
	memory := NewShortTermMemory()
	for _, m := range st.Memory {
		memory.Append(m.Role, m.Content, m.Media)
	}
	if st.LastHistoryLength > memory.Len() {
		return nil, fmt.Errorf("agent %q: last_history_length %d exceeds memory length %d",
			st.Name, st.LastHistoryLength, memory.Len())
	}
	return &Agent{
		name:                 st.Name,
		profile:              st.Profile,
		style:                st.Style,
		role:                 st.Role,
		language:             st.Language,
		catalog:              catalog,
		memory:               memory,
		plan:                 st.Plan.Clone(),
		emotion:              st.Emotion,
		properties:           cloneAnyMap(st.Properties),
		knowledgeBase:        append([]models.KnowledgeItem(nil), st.Knowledge...),
		documents:            models.CloneDocuments(st.Documents),
		consecutiveLLMErrors: st.ConsecutiveLLMErrors,
		offline:              st.Offline,
		lastHistoryLength:    st.LastHistoryLength,
		opts:                 st.Options,
	}, nil
}

// DeserializeJSON is a convenience for stores that persist raw JSON.
func DeserializeJSON(raw json.RawMessage, resolve CatalogResolver) (*Agent, error) {
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode agent state: %w", err)
	}
	return Deserialize(st, resolve)
}
