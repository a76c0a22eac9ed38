package sw

import "fmt"

// State 是单个版本 worker 的生命周期状态。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

var transitions = map[State][]State{
	StateParsed:     {StateInstalling, StateRedundant},
	StateInstalling: {StateInstalled, StateRedundant},
	StateInstalled:  {StateActivating, StateRedundant},
	StateActivating: {StateActivated, StateRedundant},
	StateActivated:  {StateRedundant},
}

// CanTransition 判断 s -> to 是否为合法迁移；redundant 为终态。
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError 描述非法的状态迁移。
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid worker transition %s -> %s", e.From, e.To)
}
