package ctxutil

import "context"

type traceKeyType struct{}

var traceKey traceKeyType

// TraceData carries the correlation identifiers the trace middleware stamps
// onto every request context.
type TraceData struct {
	TraceID   string
	RequestID string
}

func WithTraceData(ctx context.Context, td *TraceData) context.Context {
	return context.WithValue(Default(ctx), traceKey, td)
}

func GetTraceData(ctx context.Context) *TraceData {
	if ctx == nil {
		return nil
	}
	td, _ := ctx.Value(traceKey).(*TraceData)
	return td
}
