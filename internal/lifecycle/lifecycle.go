package lifecycle

import (
	"context"
	"fmt"

	eventbus "github.com/graphgate/graphgate/internal/eventbus"
	events "github.com/graphgate/graphgate/internal/events"
	extensions "github.com/graphgate/graphgate/internal/extensions"
	graphql "github.com/graphgate/graphgate/internal/graphql"
	language "github.com/graphgate/graphgate/internal/language"
)

// Phase identifies one of the fixed points in the request pipeline
// where hooks run.
type Phase string

const (
	PostParse    Phase = "post-parse"
	PostValidate Phase = "post-validate"
	PreExecute   Phase = "pre-execute"
	PostExecute  Phase = "post-execute"
)

// Info is the view of the in-flight request a hook observes. Document
// is set from the post-parse phase on; Response only for post-execute.
// Hooks attach response metadata through Extensions.
type Info struct {
	Request    *graphql.Request
	Document   *language.QueryDocument
	Response   *graphql.Response
	Extensions *extensions.Bag
}

// Func is the callback signature shared by all hooks.
type Func func(ctx context.Context, info *Info) error

// Hook is a named callback bound to one phase.
type Hook struct {
	Name  string
	Phase Phase
	Func  Func
}

// Runner invokes the hooks registered for a phase in registration
// order. Hook failures are isolated: an error or panic is published as
// an event and the request continues as if the hook had succeeded.
type Runner struct {
	hooks map[Phase][]Hook
}

func NewRunner(hooks ...Hook) *Runner {
	r := &Runner{hooks: make(map[Phase][]Hook)}
	for _, h := range hooks {
		r.Register(h)
	}
	return r
}

// Register appends h to its phase. Not safe for concurrent use with Run;
// registration is expected to happen at wiring time.
func (r *Runner) Register(h Hook) {
	r.hooks[h.Phase] = append(r.hooks[h.Phase], h)
}

// Run executes every hook bound to phase against info.
func (r *Runner) Run(ctx context.Context, phase Phase, info *Info) {
	if r == nil {
		return
	}
	for _, h := range r.hooks[phase] {
		runIsolated(ctx, h, info)
	}
}

func runIsolated(ctx context.Context, h Hook, info *Info) {
	defer func() {
		if p := recover(); p != nil {
			eventbus.Publish(ctx, events.HookFailure{
				Hook:  h.Name,
				Phase: string(h.Phase),
				Err:   fmt.Errorf("panic: %v", p),
			})
		}
	}()
	if err := h.Func(ctx, info); err != nil {
		eventbus.Publish(ctx, events.HookFailure{Hook: h.Name, Phase: string(h.Phase), Err: err})
	}
}
