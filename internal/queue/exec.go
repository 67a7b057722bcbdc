package queue

import (
	"context"
	"fmt"
)

// safeRun runs fn, turning a panic into an error so a failing action cannot leave a drain
// flag set
func safeRun(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()
	return fn()
}

func safeRunCtx(ctx context.Context, fn func(context.Context) error) error {
	return safeRun(func() error { return fn(ctx) })
}
