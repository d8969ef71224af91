// Package dispatch provides a registry-backed command dispatcher and the
// built-in commands every bridge answers.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"zbridge/pkg/interfaces"
	"zbridge/pkg/types"
)

// ClassAuto derives a command's class from its name
const ClassAuto types.CommandClass = -1

// HandlerFunc executes one command
type HandlerFunc func(ctx context.Context, req *types.DispatchRequest) (any, error)

var (
	readVerbs  = []string{"List", "Get", "Show", "Read", "Search", "Find", "Count"}
	writeVerbs = []string{"Create", "Update", "Delete", "Set", "Add", "Remove", "Insert", "Save"}
)

// ClassifyName applies the naming convention: after an optional "^" and
// any "zFunc."-style namespace, a leading read verb means read, a leading
// write verb means write. Case of the first letter is ignored.
func ClassifyName(name string) types.CommandClass {
	base := strings.TrimPrefix(name, "^")
	if i := strings.LastIndex(base, "."); i >= 0 {
		base = base[i+1:]
	}
	if base == "" {
		return types.ClassOther
	}
	base = strings.ToUpper(base[:1]) + base[1:]

	for _, verb := range readVerbs {
		if hasVerb(base, verb) {
			return types.ClassRead
		}
	}
	for _, verb := range writeVerbs {
		if hasVerb(base, verb) {
			return types.ClassWrite
		}
	}
	return types.ClassOther
}

// hasVerb matches "ListProducts" and "list_products" but not "Settings"
func hasVerb(name, verb string) bool {
	if !strings.HasPrefix(strings.ToLower(name), strings.ToLower(verb)) {
		return false
	}
	rest := name[len(verb):]
	if rest == "" {
		return true
	}
	c := rest[0]
	return (c >= 'A' && c <= 'Z') || c == '_' || (c >= '0' && c <= '9')
}

type command struct {
	info    types.CommandInfo
	handler HandlerFunc
}

// Mux is a Dispatcher backed by registered handlers
type Mux struct {
	mu       sync.RWMutex
	commands map[string]command
	schemas  map[string]any
}

var (
	_ interfaces.Dispatcher = (*Mux)(nil)
	_ interfaces.Describer  = (*Mux)(nil)
)

// NewMux returns an empty Mux
func NewMux() *Mux {
	return &Mux{
		commands: make(map[string]command),
		schemas:  make(map[string]any),
	}
}

// Register adds a command. Registering an existing name replaces it.
func (m *Mux) Register(name string, class types.CommandClass, handler HandlerFunc, opts ...CommandOption) error {
	if !types.IsValidCommandName(name) {
		return fmt.Errorf("%w: %q", types.ErrInvalidCommandName, name)
	}
	if handler == nil {
		return fmt.Errorf("nil handler for command %q", name)
	}
	if class == ClassAuto {
		class = ClassifyName(name)
	}

	info := types.CommandInfo{Name: name, Class: class}
	for _, opt := range opts {
		opt(&info)
	}

	m.mu.Lock()
	m.commands[name] = command{info: info, handler: handler}
	m.mu.Unlock()
	return nil
}

// MustRegister is Register for static wiring
func (m *Mux) MustRegister(name string, class types.CommandClass, handler HandlerFunc, opts ...CommandOption) {
	if err := m.Register(name, class, handler, opts...); err != nil {
		panic(err)
	}
}

// CommandOption sets descriptive metadata on a command
type CommandOption func(*types.CommandInfo)

// WithDescription documents a command for discover/introspect
func WithDescription(desc string) CommandOption {
	return func(i *types.CommandInfo) { i.Description = desc }
}

// WithArgs lists the argument names a command accepts
func WithArgs(args ...string) CommandOption {
	return func(i *types.CommandInfo) { i.Args = args }
}

// RegisterSchema publishes a model schema for get_schema
func (m *Mux) RegisterSchema(model string, schema any) {
	m.mu.Lock()
	m.schemas[model] = schema
	m.mu.Unlock()
}

// Dispatch runs the named command
func (m *Mux) Dispatch(ctx context.Context, req *types.DispatchRequest) (any, error) {
	m.mu.RLock()
	cmd, ok := m.commands[req.Command]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrUnknownCommand, req.Command)
	}
	return cmd.handler(ctx, req)
}

// Classify returns the registered class, or the naming convention for
// unknown commands
func (m *Mux) Classify(name string) types.CommandClass {
	m.mu.RLock()
	cmd, ok := m.commands[name]
	m.mu.RUnlock()
	if ok {
		return cmd.info.Class
	}
	return ClassifyName(name)
}

// Commands lists registered commands sorted by name
func (m *Mux) Commands() []types.CommandInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.CommandInfo, 0, len(m.commands))
	for _, cmd := range m.commands {
		out = append(out, cmd.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Describe returns one command's metadata
func (m *Mux) Describe(name string) (types.CommandInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cmd, ok := m.commands[name]
	return cmd.info, ok
}

// Schema returns a registered model schema. An empty model lists model names.
func (m *Mux) Schema(ctx context.Context, model string) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if model == "" {
		names := make([]string, 0, len(m.schemas))
		for name := range m.schemas {
			names = append(names, name)
		}
		sort.Strings(names)
		return map[string]any{"models": names}, nil
	}
	schema, ok := m.schemas[model]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrUnknownModel, model)
	}
	return schema, nil
}
