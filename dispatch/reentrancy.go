package dispatch

import (
	"context"
)

// The execution stack rides on the context so that each concurrent
// delivery and each caller owns its own stack. A shared process-wide
// stack would make reentrancy detection leak across goroutines.

type stackKey struct{}

// frame is one entry of the execution stack. Frames form a linked list
// through the context chain; leaving the scope of the child context
// pops the frame automatically.
type frame struct {
	handlerID string
	parent    *frame
}

// pushExecution marks ctx as executing a dispatched call for handlerID.
func pushExecution(ctx context.Context, handlerID string) context.Context {
	parent, _ := ctx.Value(stackKey{}).(*frame)
	return context.WithValue(ctx, stackKey{}, &frame{handlerID: handlerID, parent: parent})
}

// currentExecution returns the handler ID on top of the execution
// stack, if any.
func currentExecution(ctx context.Context) (string, bool) {
	f, ok := ctx.Value(stackKey{}).(*frame)
	if !ok || f == nil {
		return "", false
	}
	return f.handlerID, true
}

// Processing reports whether ctx is inside the execution of a
// dispatched envelope. Test code uses it to assert it is being called
// through the worker path rather than directly.
func Processing(ctx context.Context) bool {
	_, ok := currentExecution(ctx)
	return ok
}

// ExecutionDepth returns how many dispatched executions are nested on
// the current context.
func ExecutionDepth(ctx context.Context) int {
	depth := 0
	for f, _ := ctx.Value(stackKey{}).(*frame); f != nil; f = f.parent {
		depth++
	}
	return depth
}
