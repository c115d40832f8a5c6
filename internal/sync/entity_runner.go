package sync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// EntityRunner runs one entity's pass with panic recovery and error
// isolation, so a failure in one entity does not stop the others.
type EntityRunner struct {
	name string
}

// run executes fn against a fresh report. Counts accumulated before a
// failure stay in the report; fn's error (or a recovered panic) is
// attached as Err with entity context.
func (er *EntityRunner) run(ctx context.Context, fn func(context.Context, *EntityReport) error) (rep *EntityReport) {
	rep = &EntityReport{Entity: er.name}
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			rep.Err = &EntityError{Entity: er.name, Err: fmt.Errorf("panic: %v", r)}
		}

		rep.Duration = time.Since(start)
	}()

	if err := fn(ctx, rep); err != nil {
		var ee *EntityError
		if !errors.As(err, &ee) {
			err = &EntityError{Entity: er.name, Err: err}
		}

		rep.Err = err
	}

	return rep
}
