package refresher

import "context"

// Consumer receives the snapshots of completed refreshes. SetContent and Rerender are only ever called on the
// executor returned by ExecutionContext.
type Consumer[P any] interface {
	ExecutionContext() Executor
	SetContent(Snapshot[P])
	Rerender()
}

// View is a Consumer holding the currently displayed snapshot. The content slot is confined to the executor, reads
// from other goroutines go through Content.
type View[P any] struct {
	exec       Executor
	render     func(Snapshot[P])
	content    Snapshot[P]
	deliveries int
}

// NewView creates a view with empty content. render may be nil.
func NewView[P any](exec Executor, render func(Snapshot[P])) *View[P] {
	return &View[P]{
		exec:    exec,
		render:  render,
		content: NewSnapshot[P](nil),
	}
}

// ExecutionContext method returns the executor the view's content is confined to.
// Coordinators deliver snapshots by running SetContent and Rerender on it.
func (v *View[P]) ExecutionContext() Executor { return v.exec }

// SetContent method replaces the displayed snapshot and counts the delivery.
// It must be called on the view's executor, the content slot is not locked.
func (v *View[P]) SetContent(s Snapshot[P]) {
	v.content = s
	v.deliveries++
}

// Rerender method passes the current snapshot to the render function, if one was given to NewView.
// Like SetContent it runs on the view's executor.
func (v *View[P]) Rerender() {
	if v.render != nil {
		v.render(v.content)
	}
}

// Content returns the current snapshot, read on the view's executor.
func (v *View[P]) Content(ctx context.Context) (Snapshot[P], error) {
	var s Snapshot[P]
	err := v.exec.Sync(ctx, func() { s = v.content })
	return s, err
}

// Deliveries returns how many snapshots the view has received.
func (v *View[P]) Deliveries(ctx context.Context) (int, error) {
	var n int
	err := v.exec.Sync(ctx, func() { n = v.deliveries })
	return n, err
}
