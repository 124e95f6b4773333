package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/kairospay/subscription-core/internal/nilcheck"
	"github.com/kairospay/subscription-core/log"
)

// RecoverAndLog is meant to be deferred at the top of long-lived goroutines.
// It converts a panic into an error log with a stack trace so one misbehaving
// task cannot take down the process.
func RecoverAndLog(ctx context.Context, logger log.Logger, component, operation string) {
	recovered := recover()
	if recovered == nil {
		return
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	logger.Log(
		ctx,
		log.LevelError,
		"recovered from panic",
		log.String("component", component),
		log.String("operation", operation),
		log.String("panic", fmt.Sprintf("%v", recovered)),
		log.String("stack", string(debug.Stack())),
	)
}

// SafeGo runs fn in a goroutine guarded by panic recovery.
func SafeGo(ctx context.Context, logger log.Logger, component, operation string, fn func(ctx context.Context)) {
	go func() {
		defer RecoverAndLog(ctx, logger, component, operation)

		fn(ctx)
	}()
}
