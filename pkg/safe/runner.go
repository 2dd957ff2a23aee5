package safe

import (
	"context"
	"fmt"
	"runtime/debug"

	"feedpipe.com/pkg/logger"
	"feedpipe.com/pkg/xerr"
	"go.uber.org/zap"
)

// Go starts fn on a goroutine that logs and swallows panics.
func Go(fn func()) {
	go func() {
		defer recoverAndLog(context.Background())
		fn()
	}()
}

// GoCtx is Go with a context, so the panic record keeps the trace id.
func GoCtx(ctx context.Context, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		defer recoverAndLog(ctx)
		fn(ctx)
	}()
}

// Run calls fn on the current goroutine and turns a panic into a Fatal
// error carrying the panic value and stack.
func Run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			logger.Error(ctx, "task panic recovered", zap.Any("panic", r), zap.String("stack", stack))
			err = xerr.Wrap(xerr.Fatal, fmt.Errorf("panic: %v", r), "task panicked")
		}
	}()
	return fn(ctx)
}

func recoverAndLog(ctx context.Context) {
	r := recover()
	if r == nil {
		return
	}
	stack := string(debug.Stack())
	if logger.Log != nil {
		logger.Error(ctx, "goroutine panic recovered", zap.Any("panic", r), zap.String("stack", stack))
		return
	}
	fmt.Printf("goroutine panic: %v\nstack: %s\n", r, stack)
}
