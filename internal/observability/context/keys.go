package context

import "context"

type contextKey string

const (
	requestIDKey contextKey = "observability_request_id"
	ownerIDKey   contextKey = "observability_owner_id"
	jobIDKey     contextKey = "observability_job_id"
	triggerKey   contextKey = "observability_trigger"
)

func WithRequestID(ctx context.Context, requestID string) context.Context {
	if ctx == nil || requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(requestIDKey).(string)
	return value
}

func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	if ctx == nil || ownerID == "" {
		return ctx
	}
	return context.WithValue(ctx, ownerIDKey, ownerID)
}

func OwnerIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(ownerIDKey).(string)
	return value
}

// WithJob tags the context with the job being worked on and the trigger that started the work.
func WithJob(ctx context.Context, jobID, trigger string) context.Context {
	if ctx == nil {
		return ctx
	}
	if jobID != "" {
		ctx = context.WithValue(ctx, jobIDKey, jobID)
	}
	if trigger != "" {
		ctx = context.WithValue(ctx, triggerKey, trigger)
	}
	return ctx
}

func JobFromContext(ctx context.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	jobID, _ := ctx.Value(jobIDKey).(string)
	trigger, _ := ctx.Value(triggerKey).(string)
	return jobID, trigger
}
