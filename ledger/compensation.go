package ledger

import (
	"context"
	"errors"
	"fmt"
)

// compensation is a stack of inverse actions recorded as a multi-step write
// progresses. Each forward step pushes its own undo before the next step
// runs; unwind applies them newest first.
type compensation struct {
	steps []compensationStep
}

type compensationStep struct {
	name string
	undo func(ctx context.Context) error
}

func (c *compensation) push(name string, undo func(ctx context.Context) error) {
	c.steps = append(c.steps, compensationStep{name: name, undo: undo})
}

// unwind runs every inverse, continuing past failures, and returns them joined.
func (c *compensation) unwind(ctx context.Context) error {
	var errs []error
	for i := len(c.steps) - 1; i >= 0; i-- {
		s := c.steps[i]
		if err := s.undo(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	c.steps = nil
	return errors.Join(errs...)
}
