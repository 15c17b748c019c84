package plan

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"nathanbeddoewebdev/benchctl/internal/util"
)

// ErrUnknownKind is returned for step kinds missing from the registry.
var ErrUnknownKind = errors.New("unknown step kind")

// Kind describes a registered step kind.
type Kind struct {
	Name        string
	Description string
	Attributes  []Attribute
	// New returns a fresh action for one step.
	New func() Action
}

var (
	mu       sync.RWMutex
	registry = map[string]Kind{}
)

// Register adds kind to the registry. It panics on an empty name, a nil
// constructor or a duplicate.
func Register(kind Kind) {
	name := util.NormalizeKey(kind.Name)
	if name == "" {
		panic("plan: empty step kind name")
	}
	if kind.New == nil {
		panic("plan: nil step constructor")
	}

	mu.Lock()
	defer mu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("plan: step kind %q already registered", kind.Name))
	}
	kind.Name = name
	registry[name] = kind
}

// Lookup returns the kind registered under name.
func Lookup(name string) (Kind, error) {
	mu.RLock()
	kind, ok := registry[util.NormalizeKey(name)]
	mu.RUnlock()
	if !ok {
		return Kind{}, fmt.Errorf("plan: %w %q", ErrUnknownKind, name)
	}
	return kind, nil
}

// Reset clears the registry. Intended for use in tests only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	registry = map[string]Kind{}
}

// List returns the registered kinds sorted by name.
func List() []Kind {
	mu.RLock()
	defer mu.RUnlock()

	kinds := make([]Kind, 0, len(registry))
	for _, k := range registry {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i].Name < kinds[j].Name })
	return kinds
}
