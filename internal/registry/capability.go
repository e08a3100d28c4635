package registry

import "context"

// Effect is the declared side-effect class of a capability.
type Effect string

const (
	// EffectRead capabilities have no side effects outside their result.
	EffectRead Effect = "read"

	// EffectWrite capabilities write to the filesystem. Their Call must carry
	// a TargetPath inside the policy's writable prefix.
	EffectWrite Effect = "write"
)

// Call is one invocation request.
type Call struct {
	RunID string
	Step  int

	// Input is the typed request value. Handlers must treat it as read-only.
	Input any

	// TargetPath is required for EffectWrite capabilities.
	TargetPath string
}

// Capability is a unit of work a worker performs.
//
// Invoke must return within the context deadline and be safe to call twice
// with the same Call: the coordinator retries once on failure.
type Capability interface {
	Effect() Effect
	Invoke(ctx context.Context, call Call) (any, error)
}

// HandlerFunc is the function form of Capability.Invoke.
type HandlerFunc func(ctx context.Context, call Call) (any, error)

type funcCapability struct {
	effect Effect
	fn     HandlerFunc
}

func (f funcCapability) Effect() Effect { return f.effect }

func (f funcCapability) Invoke(ctx context.Context, call Call) (any, error) {
	return f.fn(ctx, call)
}

// Func adapts fn to a Capability with the given effect.
func Func(effect Effect, fn HandlerFunc) Capability {
	return funcCapability{effect: effect, fn: fn}
}
