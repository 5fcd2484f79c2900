package observability

import (
	"log"
	"sync"
	"time"
)

// ConsoleReporter logs errors to the standard logger. It is meant for
// development: immediate feedback with no external dependency.
type ConsoleReporter struct {
	verbose bool
	mu      sync.Mutex
}

// NewConsoleReporter creates a console reporter. When verbose is true,
// stack traces are included in the output.
func NewConsoleReporter(verbose bool) *ConsoleReporter {
	return &ConsoleReporter{verbose: verbose}
}

func (r *ConsoleReporter) ReportPanic(err *ConnectorPanicError, ctx *ErrorContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	log.Printf("[ERROR] trace=%s panic dispatching to component %d (message type %d): %v",
		ctx.TraceID, ctx.ComponentID, ctx.MessageType, err.PanicValue)
	if r.verbose && len(ctx.StackTrace) > 0 {
		log.Printf("stack trace:\n%s", ctx.StackTrace)
	}
}

func (r *ConsoleReporter) ReportError(err error, ctx *ErrorContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	log.Printf("[ERROR] trace=%s component %d: %v", ctx.TraceID, ctx.ComponentID, err)
	if r.verbose && len(ctx.StackTrace) > 0 {
		log.Printf("stack trace:\n%s", ctx.StackTrace)
	}
}

func (r *ConsoleReporter) Flush(timeout time.Duration) error { return nil }
