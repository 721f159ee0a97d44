package log

import "context"

type ctxKey int

const (
	planIDKey ctxKey = iota
	executionIDKey
	projectIDKey
)

// WithPlan stores a plan id for log correlation.
func WithPlan(ctx context.Context, planID string) context.Context {
	return context.WithValue(ctx, planIDKey, planID)
}

// WithExecution stores an execution id for log correlation.
func WithExecution(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, executionIDKey, executionID)
}

// WithProject stores a project id for log correlation.
func WithProject(ctx context.Context, projectID string) context.Context {
	return context.WithValue(ctx, projectIDKey, projectID)
}

func correlationArgs(ctx context.Context) []any {
	if ctx == nil {
		return nil
	}
	var args []any
	if v, ok := ctx.Value(projectIDKey).(string); ok && v != "" {
		args = append(args, "project_id", v)
	}
	if v, ok := ctx.Value(planIDKey).(string); ok && v != "" {
		args = append(args, "plan_id", v)
	}
	if v, ok := ctx.Value(executionIDKey).(string); ok && v != "" {
		args = append(args, "execution_id", v)
	}
	return args
}
