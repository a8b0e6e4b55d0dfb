package guard

import (
	"errors"
	"fmt"
)

var (
	// ErrRolledBack matches the error returned after a broken update was
	// detected and undone.
	ErrRolledBack = errors.New("plugin update rolled back")
	// ErrRollbackFailed wraps any failure of the restore or cleanup steps.
	ErrRollbackFailed = errors.New("rollback of broken plugin update failed")
)

// RolledBackError replaces the installer's success when the new version
// failed to activate and the previous one was restored.
type RolledBackError struct {
	Plugin string // identifier, e.g. foo/foo.php
	Name   string // declared name
}

func (e *RolledBackError) Error() string {
	return fmt.Sprintf("the update for %q failed to activate and was rolled back to the previously installed version", e.Name)
}

// Is reports whether target is ErrRolledBack.
func (e *RolledBackError) Is(target error) bool {
	return target == ErrRolledBack
}
