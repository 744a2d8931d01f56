// Package undo keeps the linear edit history of a document.
package undo

import (
	"fmt"

	"github.com/starford/speedynote/internal/apperr"
)

// DefaultCapacity bounds each stack when no capacity is configured.
const DefaultCapacity = 100

// Command is a reversible edit. Do must either apply fully or fail without
// touching state; Undo must restore the state observed before Do.
type Command interface {
	Label() string
	Do() error
	Undo() error
}

// Engine holds the undo and redo stacks. It is owned by a single goroutine.
type Engine struct {
	capacity int
	undo     []Command
	redo     []Command
	onChange func()
}

// New creates an engine keeping at most capacity entries per stack.
func New(capacity int) *Engine {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Engine{capacity: capacity}
}

// OnChange registers fn to run after every successful transition.
func (e *Engine) OnChange(fn func()) { e.onChange = fn }

// Perform runs cmd and records it. A failing command is not recorded.
func (e *Engine) Perform(cmd Command) error {
	if err := cmd.Do(); err != nil {
		return fmt.Errorf("%s: %w", cmd.Label(), err)
	}
	e.undo = push(e.undo, cmd, e.capacity)
	e.redo = nil
	e.changed()
	return nil
}

// Undo reverts the most recent command and returns its label.
func (e *Engine) Undo() (string, error) {
	if len(e.undo) == 0 {
		return "", apperr.ErrNothingToUndo
	}
	cmd := e.undo[len(e.undo)-1]
	if err := cmd.Undo(); err != nil {
		return cmd.Label(), fmt.Errorf("undo %s: %w", cmd.Label(), err)
	}
	e.undo = e.undo[:len(e.undo)-1]
	e.redo = push(e.redo, cmd, e.capacity)
	e.changed()
	return cmd.Label(), nil
}

// Redo re-applies the most recently undone command and returns its label.
func (e *Engine) Redo() (string, error) {
	if len(e.redo) == 0 {
		return "", apperr.ErrNothingToRedo
	}
	cmd := e.redo[len(e.redo)-1]
	if err := cmd.Do(); err != nil {
		return cmd.Label(), fmt.Errorf("redo %s: %w", cmd.Label(), err)
	}
	e.redo = e.redo[:len(e.redo)-1]
	e.undo = push(e.undo, cmd, e.capacity)
	e.changed()
	return cmd.Label(), nil
}

// Clean reports whether the undo stack is empty.
func (e *Engine) Clean() bool { return len(e.undo) == 0 }

// CanUndo reports whether Undo would do something.
func (e *Engine) CanUndo() bool { return len(e.undo) > 0 }

// CanRedo reports whether Redo would do something.
func (e *Engine) CanRedo() bool { return len(e.redo) > 0 }

// Labels returns the undo and redo labels, most recent last.
func (e *Engine) Labels() (undo, redo []string) {
	for _, c := range e.undo {
		undo = append(undo, c.Label())
	}
	for _, c := range e.redo {
		redo = append(redo, c.Label())
	}
	return undo, redo
}

// Clear drops all history.
func (e *Engine) Clear() {
	e.undo, e.redo = nil, nil
	e.changed()
}

func (e *Engine) changed() {
	if e.onChange != nil {
		e.onChange()
	}
}

func push(stack []Command, cmd Command, capacity int) []Command {
	stack = append(stack, cmd)
	if over := len(stack) - capacity; over > 0 {
		clear(stack[:over])
		stack = stack[over:]
	}
	return stack
}

// Func adapts a pair of closures into a Command.
type Func struct {
	Name    string
	Forward func() error
	Inverse func() error
}

func (f Func) Label() string { return f.Name }
func (f Func) Do() error     { return f.Forward() }
func (f Func) Undo() error   { return f.Inverse() }

// Batch runs several commands as one history entry. A failure part way
// through rolls back the commands already applied.
type Batch struct {
	Name string
	Cmds []Command
}

func (b *Batch) Label() string { return b.Name }

func (b *Batch) Do() error {
	for i, c := range b.Cmds {
		if err := c.Do(); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = b.Cmds[j].Undo()
			}
			return err
		}
	}
	return nil
}

func (b *Batch) Undo() error {
	for i := len(b.Cmds) - 1; i >= 0; i-- {
		if err := b.Cmds[i].Undo(); err != nil {
			for j := i + 1; j < len(b.Cmds); j++ {
				_ = b.Cmds[j].Do()
			}
			return err
		}
	}
	return nil
}
