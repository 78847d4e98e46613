package statemachine

import "fmt"

type DuplicateModuleError struct {
	ID   uint32
	Name string
}

func (e *DuplicateModuleError) Error() string {
	return fmt.Sprintf("module %q (ID %d) conflicts with already registered module", e.Name, e.ID)
}

type ModuleNotRegisteredError struct {
	Module string
}

func (e *ModuleNotRegisteredError) Error() string {
	return fmt.Sprintf("module %q is not registered", e.Module)
}

type CommandNotRegisteredError struct {
	Module  string
	Command string
}

func (e *CommandNotRegisteredError) Error() string {
	return fmt.Sprintf("module %q has no command %q", e.Module, e.Command)
}
