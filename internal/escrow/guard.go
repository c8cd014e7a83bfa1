package escrow

import (
	"context"

	"github.com/ChuLiYu/milestone-escrow/internal/events"
)

// opFrame marks the instances whose operation is in progress on a context
// chain. A transfer that calls back into an instance it is already inside
// carries the frame and must not block on that instance's operation lock.
//
// Signals raised while the frame is open are queued on it and emitted when the
// outermost operation returns, so a nested call never reports completion from
// state the outer operation may still roll back.
type opFrame struct {
	owner   *Instance
	parent  *opFrame
	pending []events.Event
}

type opFrameKey struct{}

func frameOf(ctx context.Context, in *Instance) *opFrame {
	if ctx == nil {
		return nil
	}
	f, _ := ctx.Value(opFrameKey{}).(*opFrame)
	for ; f != nil; f = f.parent {
		if f.owner == in {
			return f
		}
	}
	return nil
}

func (in *Instance) enter(ctx context.Context) (context.Context, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if frameOf(ctx, in) != nil {
		return ctx, func() {}
	}
	parent, _ := ctx.Value(opFrameKey{}).(*opFrame)
	in.opMu.Lock()
	frame := &opFrame{owner: in, parent: parent}
	return context.WithValue(ctx, opFrameKey{}, frame), func() {
		in.finish(frame)
		in.opMu.Unlock()
	}
}

// signal queues e on the open frame of in, or emits it directly.
func (in *Instance) signal(ctx context.Context, e events.Event) {
	if f := frameOf(ctx, in); f != nil {
		f.pending = append(f.pending, e)
		return
	}
	in.emitter.Emit(e)
}

// finish 在最外層操作結束時發出佇列中的事件，並依已定案狀態判斷是否完成
func (in *Instance) finish(frame *opFrame) {
	for _, e := range frame.pending {
		in.emitter.Emit(e)
	}
	frame.pending = nil

	in.mu.Lock()
	completed := in.paidCount == in.milestoneCount && !in.completionSignaled
	if completed {
		in.completionSignaled = true
	}
	in.mu.Unlock()
	if completed {
		in.emitter.Emit(newCompletedEvent(in))
	}
}
