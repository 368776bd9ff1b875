package core

import (
	"github.com/stake-plus/agentexec/src/registry"
)

// Result is the status dictionary returned by Run. Failures are reported in
// the "error" key rather than by panicking.
type Result map[string]any

// ErrorResult builds a Result carrying only an error message.
func ErrorResult(err error) Result {
	return Result{"error": err.Error()}
}

// Err returns the error message, if any.
func (r Result) Err() string {
	if r == nil {
		return ""
	}
	msg, _ := r["error"].(string)
	return msg
}

// Kind is how the runtime drives an instance. It is decided once when the
// instance is built.
type Kind int

const (
	// KindPassive agents are never started; they may still handle events.
	KindPassive Kind = iota
	// KindService agents are auto-started through their own Start/Stop.
	KindService
	// KindPoller agents are auto-started by running Run on a goroutine the
	// runtime owns.
	KindPoller
	// KindOneShot agents only run on demand.
	KindOneShot
)

func (k Kind) String() string {
	switch k {
	case KindService:
		return "service"
	case KindPoller:
		return "poller"
	case KindOneShot:
		return "oneshot"
	default:
		return "passive"
	}
}

// MarshalText renders the kind as its string form.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Description is the operator view of a loaded agent.
type Description struct {
	Name         string             `json:"name"`
	Category     string             `json:"category"`
	Module       string             `json:"module"`
	Class        string             `json:"class"`
	Interface    registry.Interface `json:"interface"`
	Status       registry.Status    `json:"status"`
	Kind         Kind               `json:"kind"`
	Alive        bool               `json:"alive"`
	Capabilities []string           `json:"capabilities"`
	Desc         string             `json:"desc,omitempty"`
	InitError    string             `json:"init_error,omitempty"`
	StartError   string             `json:"start_error,omitempty"`
}
