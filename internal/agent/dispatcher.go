// Package agent hands finalized inbound messages to the agent runtime and
// feeds the replies it produces into a reply.Dispatcher.
package agent

import (
	"context"

	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/reply"
)

// Result summarizes one dispatched turn.
type Result struct {
	QueuedFinal bool
	Counts      reply.Counts
}

// Dispatcher runs one agent turn for an inbound message. Replies are queued
// on d; opts carries the typing hooks to call while the reply is produced.
type Dispatcher interface {
	Dispatch(ctx context.Context, in *reply.InboundContext, d *reply.Dispatcher, opts reply.ReplyOptions) (Result, error)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, in *reply.InboundContext, d *reply.Dispatcher, opts reply.ReplyOptions) (Result, error)

// Dispatch calls f.
func (f DispatcherFunc) Dispatch(ctx context.Context, in *reply.InboundContext, d *reply.Dispatcher, opts reply.ReplyOptions) (Result, error) {
	return f(ctx, in, d, opts)
}
