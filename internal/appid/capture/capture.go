// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package capture is the external packet-capture-and-reassembly
// collaborator spec §1 treats as out of scope: only its interface is
// load-bearing here. PacketSource produces classified (*Frame, error)
// pairs; the three adapters in this package (eBPF ring buffer, NFQUEUE,
// raw AF_PACKET) are alternative ways to fill that interface depending on
// deployment, each grounded on the teacher's own packet-plumbing code.
package capture

import (
	"context"

	"grimm.is/appidcore/internal/appid/flowsession"
	"grimm.is/appidcore/internal/appid/ids"
)

// Frame is one captured packet, already classified into a flow 5-tuple and
// a direction, ready to hand to the dispatch engine.
type Frame struct {
	Payload []byte
	Dir     ids.Direction
	Meta    flowsession.PacketMeta
	Flow    *flowsession.Flow
}

// PacketSource is the capture/reassembly collaborator's interface (spec
// §1, §6 "Wire inputs"). Implementations classify raw frames into
// (payload, direction, 5-tuple) and hand them to Next's caller one at a
// time; reassembly, retransmission handling and connection tracking
// beyond direction resolution are the implementation's concern, not the
// dispatch core's.
type PacketSource interface {
	// Next blocks until a classified frame is available, ctx is done, or
	// the source is closed.
	Next(ctx context.Context) (*Frame, error)
	// Close releases the source's underlying resources.
	Close() error
}

// Dispatcher is the subset of dispatch.Engine a capture loop needs; kept
// as an interface here so this package never imports dispatch directly
// (dispatch already imports flowsession/hosttracker/selector/verdict, and
// capture has no business depending on the engine's internals).
type Dispatcher interface {
	DiscoverService(ctx context.Context, data []byte, packet flowsession.PacketMeta, dir ids.Direction, flow *flowsession.Flow) (ids.Status, error)
}

// Run drives src's frames through engine until ctx is cancelled or Next
// returns a non-nil error. onResult, if non-nil, observes each dispatch
// outcome (the cmd harnesses use it to update metrics).
func Run(ctx context.Context, src PacketSource, engine Dispatcher, onResult func(*Frame, ids.Status, error)) error {
	for {
		frame, err := src.Next(ctx)
		if err != nil {
			return err
		}
		status, derr := engine.DiscoverService(ctx, frame.Payload, frame.Meta, frame.Dir, frame.Flow)
		if onResult != nil {
			onResult(frame, status, derr)
		}
	}
}
