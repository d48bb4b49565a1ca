package contract

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	Roles = []string{"admin", "teacher", "student", "guardian"}

	ManagedResources = []string{
		"users",
		"students",
		"teachers",
		"guardians",
		"courses",
		"classes",
		"enrollments",
		"grades",
		"attendance",
		"assignments",
		"schools",
		"roles",
	}
)

type Registry struct {
	mu       sync.RWMutex
	byScreen map[string]ScreenContract
}

func NewRegistry(contracts ...ScreenContract) *Registry {
	r := &Registry{
		byScreen: map[string]ScreenContract{},
	}
	for _, c := range contracts {
		_ = r.Register(c)
	}
	return r
}

func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterDefaults()
	return r
}

// Register stores c under its screen key, replacing any earlier contract.
func (r *Registry) Register(c ScreenContract) error {
	if c == nil {
		return fmt.Errorf("%w: contract is nil", ErrInvalidContract)
	}
	key := strings.TrimSpace(c.ScreenKey())
	if key == "" {
		return fmt.Errorf("%w: screen_key is required", ErrInvalidContract)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byScreen[key] = c
	return nil
}

func (r *Registry) Contract(screenKey string) (ScreenContract, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byScreen[strings.TrimSpace(screenKey)]
	return c, ok
}

func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byScreen)
}

func (r *Registry) Keys() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.byScreen))
	for k := range r.byScreen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *Registry) Definitions() []Definition {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.byScreen))
	for _, c := range r.byScreen {
		def := Describe(c)
		def.CustomEvents = append([]string(nil), def.CustomEvents...)
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool {
		return defs[i].ScreenKey < defs[j].ScreenKey
	})
	return defs
}

// RegisterDefaults seeds the built-in catalog. Contracts registered earlier
// under the same keys are replaced.
func (r *Registry) RegisterDefaults() {
	for _, c := range builtins() {
		_ = r.Register(c)
	}
}

func builtins() []ScreenContract {
	out := []ScreenContract{
		NewLoginContract(),
		NewForgotPasswordContract(),
		NewSettingsContract(),
	}
	for _, role := range Roles {
		out = append(out, NewDashboardContract(role))
	}
	for _, resource := range ManagedResources {
		out = append(out,
			NewCRUDContract(ListScreen(resource), resource, "/"+resource),
			NewCRUDContract(CRUDScreen(resource), resource, "/"+resource),
		)
	}
	out = append(out,
		NewCRUDContract("permissions-list", "permissions", "/permissions"),
		NewCRUDContract("guardian-students", "students", "/guardians/me/students"),
	)
	return out
}
