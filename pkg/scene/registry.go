package scene

import (
	"fmt"
	"sync"
)

// Factory builds a fresh scene from its configuration.
type Factory func(config map[string]any) (Scene, error)

// Deserializer rebuilds a scene from its serialized plain-data form.
type Deserializer func(state map[string]any) (Scene, error)

// entry couples a scene type's constructors with its preferred ordering.
type entry struct {
	factory     Factory
	deserialize Deserializer
	ordering    string
}

var (
	registryMu sync.RWMutex
	registry   = map[string]entry{}
)

// Register installs a scene type. orderingName selects the ordering strategy
// the registry builds for this scene type ("" = sequential default).
// Registering a duplicate type panics: it is a wiring bug.
func Register(typeName string, factory Factory, deserialize Deserializer, orderingName string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[typeName]; dup {
		panic(fmt.Sprintf("scene type %q registered twice", typeName))
	}
	registry[typeName] = entry{factory: factory, deserialize: deserialize, ordering: orderingName}
}

// New builds a fresh scene of the given type.
func New(typeName string, config map[string]any) (Scene, error) {
	registryMu.RLock()
	e, ok := registry[typeName]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown scene type %q", typeName)
	}
	return e.factory(config)
}

// Deserialize rebuilds a scene from serialized data. The type discriminator
// is read from data["type"].
func Deserialize(data map[string]any) (Scene, error) {
	typeName, _ := data["type"].(string)
	if typeName == "" {
		return nil, fmt.Errorf("scene data has no type discriminator")
	}
	registryMu.RLock()
	e, ok := registry[typeName]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown scene type %q", typeName)
	}
	return e.deserialize(data)
}

// OrderingFor returns the preferred ordering name for a scene type, "" when
// the type is unknown or has no preference.
func OrderingFor(typeName string) string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry[typeName].ordering
}

// Types lists the registered scene types.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	return out
}
