package entity

import (
	"errors"
	"fmt"
)

var ErrConfigNotLoaded = errors.New("entity: config not loaded")

// ConfigNotLoadedError is returned for any operation on a resource type
// whose configuration has not been loaded.
type ConfigNotLoadedError struct {
	Kind string
	Name string
}

func (e *ConfigNotLoadedError) Error() string {
	return fmt.Sprintf("the entity being edited (%s, %s) does not have a loaded config", e.Kind, e.Name)
}

func (e *ConfigNotLoadedError) Is(target error) bool { return target == ErrConfigNotLoaded }
