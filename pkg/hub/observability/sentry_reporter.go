package observability

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

// SentryReporter sends errors to Sentry with tags, extras, and the
// current breadcrumb trail attached.
type SentryReporter struct {
	hub *sentry.Hub
}

// SentryOption configures the underlying sentry.ClientOptions.
type SentryOption func(*sentry.ClientOptions)

func WithDebug(debug bool) SentryOption {
	return func(opts *sentry.ClientOptions) { opts.Debug = debug }
}

func WithEnvironment(environment string) SentryOption {
	return func(opts *sentry.ClientOptions) { opts.Environment = environment }
}

func WithRelease(release string) SentryOption {
	return func(opts *sentry.ClientOptions) { opts.Release = release }
}

// NewSentryReporter initializes the Sentry SDK and returns a reporter
// bound to its current hub. An empty dsn disables sending, which is
// useful in tests.
func NewSentryReporter(dsn string, opts ...SentryOption) (*SentryReporter, error) {
	clientOpts := sentry.ClientOptions{Dsn: dsn}
	for _, opt := range opts {
		opt(&clientOpts)
	}
	if err := sentry.Init(clientOpts); err != nil {
		return nil, fmt.Errorf("observability: init sentry: %w", err)
	}
	return &SentryReporter{hub: sentry.CurrentHub()}, nil
}

func (r *SentryReporter) ReportPanic(err *ConnectorPanicError, ctx *ErrorContext) {
	r.hub.WithScope(func(scope *sentry.Scope) {
		applyContext(scope, ctx)
		scope.SetExtra("panic_value", err.PanicValue)
		r.hub.CaptureException(fmt.Errorf("panic dispatching to component %d (message type %d): %v",
			ctx.ComponentID, ctx.MessageType, err.PanicValue))
	})
}

func (r *SentryReporter) ReportError(err error, ctx *ErrorContext) {
	r.hub.WithScope(func(scope *sentry.Scope) {
		applyContext(scope, ctx)
		r.hub.CaptureException(err)
	})
}

func applyContext(scope *sentry.Scope, ctx *ErrorContext) {
	scope.SetTag("component_id", fmt.Sprintf("%d", ctx.ComponentID))
	scope.SetTag("ic_id", fmt.Sprintf("%d", ctx.ICID))
	scope.SetTag("message_type", fmt.Sprintf("%d", ctx.MessageType))
	if ctx.TraceID != "" {
		scope.SetTag("trace_id", ctx.TraceID)
	}
	for k, v := range ctx.Tags {
		scope.SetTag(k, v)
	}
	for k, v := range ctx.Extra {
		scope.SetExtra(k, v)
	}
	for _, bc := range ctx.Breadcrumbs {
		scope.AddBreadcrumb(&sentry.Breadcrumb{
			Type:      bc.Type,
			Category:  bc.Category,
			Message:   bc.Message,
			Level:     sentry.Level(bc.Level),
			Timestamp: bc.Timestamp,
			Data:      bc.Data,
		}, MaxBreadcrumbs)
	}
}

func (r *SentryReporter) Flush(timeout time.Duration) error {
	sentry.Flush(timeout)
	return nil
}
