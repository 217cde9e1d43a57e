package health

import (
	"context"
	"fmt"
	"sync"
)

// Probe is a registered health function. A nil return means healthy.
// Probes should honor ctx; the checker bounds them with the service's
// health timeout.
type Probe func(ctx context.Context) error

var (
	probeMu sync.RWMutex
	probes  = make(map[string]Probe)
)

// RegisterProbe adds a named probe to the table. The table is populated at
// startup and consulted by name from service configs; registering the same
// name twice is an error.
func RegisterProbe(name string, p Probe) error {
	if name == "" || p == nil {
		return fmt.Errorf("probe registration requires name and function")
	}
	probeMu.Lock()
	defer probeMu.Unlock()
	if _, exists := probes[name]; exists {
		return fmt.Errorf("probe %q already registered", name)
	}
	probes[name] = p
	return nil
}

// UnregisterProbe removes a probe; removing an unknown name is a no-op.
func UnregisterProbe(name string) {
	probeMu.Lock()
	defer probeMu.Unlock()
	delete(probes, name)
}

// LookupProbe resolves a probe by name.
func LookupProbe(name string) (Probe, bool) {
	probeMu.RLock()
	defer probeMu.RUnlock()
	p, ok := probes[name]
	return p, ok
}
