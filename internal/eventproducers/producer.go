// Package eventproducers holds the Server's optional event sources: a
// prompt-file watcher and a cron trigger producer. Both are plain callers
// of the Event Bus's publish path (SPEC_FULL.md §C items 1-2) rather than
// new core components — the dispatcher and pipeline treat their envelopes
// exactly like any other message.inbound/task.triggered event.
package eventproducers

import "github.com/fred-drake/carapace/pkg/protocol"

// Publisher is the subset of eventbus.Bus a producer needs.
type Publisher interface {
	Publish(env *protocol.Envelope) error
}
