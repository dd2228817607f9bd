package capability

import (
	"context"
	"fmt"
	"strings"

	"github.com/nerrad567/gray-logic-automation/internal/event"
)

// Call is one capability invocation.
type Call struct {
	Domain    string         `json:"domain"`
	Service   string         `json:"service"`
	Targets   []string       `json:"targets,omitempty"`
	DeviceIDs []string       `json:"device_ids,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Context   event.Context  `json:"context"`
}

// Name returns "domain.service".
func (c Call) Name() string {
	return c.Domain + "." + c.Service
}

// ParseService splits "domain.service".
func ParseService(name string) (domain, service string, err error) {
	domain, service, ok := strings.Cut(name, ".")
	if !ok || domain == "" || service == "" {
		return "", "", fmt.Errorf("%w: service %q", ErrInvalidCall, name)
	}
	return domain, service, nil
}

// Result is what an invocation reports back.
type Result struct {
	CommandIDs []string       `json:"command_ids,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// Invoker performs capability calls. Implementations must honour ctx
// cancellation where the transport allows it.
type Invoker interface {
	Invoke(ctx context.Context, call Call) (Result, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, call Call) (Result, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, call Call) (Result, error) {
	return f(ctx, call)
}
