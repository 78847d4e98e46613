package statemachine

import (
	"cmp"
	"fmt"
	"iter"
	"slices"
)

type moduleClass uint8

const (
	classOrdinary moduleClass = iota
	classSystem
)

type moduleRecord struct {
	module Module
	class  moduleClass
}

/*
registry keeps all the modules in single append-only arena, system and
ordinary lists are indexes into the arena sorted by module ID.
*/
type registry struct {
	arena    []moduleRecord
	system   []int
	ordinary []int
}

func (r *registry) register(m Module, class moduleClass) error {
	if m == nil {
		return fmt.Errorf("module must not be nil")
	}
	for _, rec := range r.arena {
		if rec.module.ID() == m.ID() || rec.module.Name() == m.Name() {
			return &DuplicateModuleError{ID: m.ID(), Name: m.Name()}
		}
	}

	r.arena = append(r.arena, moduleRecord{module: m, class: class})
	idx := len(r.arena) - 1
	insert := func(list []int) []int {
		pos, _ := slices.BinarySearchFunc(list, m.ID(), func(i int, id uint32) int {
			return cmp.Compare(r.arena[i].module.ID(), id)
		})
		return slices.Insert(list, pos, idx)
	}
	if class == classSystem {
		r.system = insert(r.system)
	} else {
		r.ordinary = insert(r.ordinary)
	}
	return nil
}

// systemFirst yields system modules and then ordinary modules, both sorted by ID.
func (r *registry) systemFirst() iter.Seq[Module] {
	return r.seq(r.system, r.ordinary)
}

// ordinaryFirst yields ordinary modules and then system modules, both sorted by ID.
func (r *registry) ordinaryFirst() iter.Seq[Module] {
	return r.seq(r.ordinary, r.system)
}

func (r *registry) seq(lists ...[]int) iter.Seq[Module] {
	return func(yield func(Module) bool) {
		for _, list := range lists {
			for _, idx := range list {
				if !yield(r.arena[idx].module) {
					return
				}
			}
		}
	}
}

func (r *registry) byName(name string) (Module, bool) {
	for _, rec := range r.arena {
		if rec.module.Name() == name {
			return rec.module, true
		}
	}
	return nil, false
}

func (r *registry) command(moduleName, commandName string) (Command, error) {
	m, ok := r.byName(moduleName)
	if !ok {
		return nil, &ModuleNotRegisteredError{Module: moduleName}
	}
	if hc, ok := m.(HasCommands); ok {
		for _, cmd := range hc.Commands() {
			if cmd.Name() == commandName {
				return cmd, nil
			}
		}
	}
	return nil, &CommandNotRegisteredError{Module: moduleName, Command: commandName}
}

/*
forEach calls "f" for every module in "modules" implementing capability T.
Iteration stops on first error.
*/
func forEach[T any](modules iter.Seq[Module], f func(T) error) error {
	for m := range modules {
		if c, ok := m.(T); ok {
			if err := f(c); err != nil {
				return fmt.Errorf("module %s: %w", m.Name(), err)
			}
		}
	}
	return nil
}
