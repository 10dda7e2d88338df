package mock

import (
	"context"

	"github.com/zhouzirui/meditriage/internal/model/consultation"
)

// Registry is a test double for the session registry as seen by the engine.
// Set the function fields for the methods you need.
type Registry struct {
	GetFn               func(id string) (consultation.Session, bool)
	AppendAndCompleteFn func(ctx context.Context, id string, messages []consultation.Message) error
	MarkCompletedFn     func(ctx context.Context, id string) error
}

// Get delegates to GetFn.
func (r *Registry) Get(id string) (consultation.Session, bool) {
	return r.GetFn(id)
}

// AppendAndComplete delegates to AppendAndCompleteFn.
func (r *Registry) AppendAndComplete(ctx context.Context, id string, messages []consultation.Message) error {
	return r.AppendAndCompleteFn(ctx, id, messages)
}

// MarkCompleted delegates to MarkCompletedFn.
func (r *Registry) MarkCompleted(ctx context.Context, id string) error {
	return r.MarkCompletedFn(ctx, id)
}
