package ledger

import "errors"

// ErrModulePaused is returned by mutating operations while the pause switch is
// set. Queries remain available during a pause.
var ErrModulePaused = errors.New("module paused")

// PauseView reports whether a module's mutating operations are currently
// paused. Implementations typically read an operator-controlled switch from
// state.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard returns ErrModulePaused when the view reports the module as paused.
// A nil view or empty module name never blocks.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
