package protocol

import "strings"

// Event topics published on the Event Bus by input producers and consumed
// by the Event Dispatcher (spec §4.11).
const (
	TopicMessageInbound = "message.inbound"
	TopicTaskTriggered  = "task.triggered"
)

// TopicSessionAnnounce is the reserved Wire Message topic a freshly
// connected container sends exactly once, before any tool call, to bind
// its transport connection identity to the session id the lifecycle
// manager minted for it at spawn time (CARAPACE_SESSION_ID). The Request
// Channel intercepts this topic itself rather than routing it through the
// tool catalog.
const TopicSessionAnnounce = "session.announce"

// toolInvokePrefix is the Wire Message topic prefix for a tool call;
// the suffix is the tool name (spec §3: "tool.invoke.<name>").
const toolInvokePrefix = "tool.invoke."

// ToolInvokeTopic builds the wire topic for invoking a named tool.
func ToolInvokeTopic(name string) string {
	return toolInvokePrefix + name
}

// ParseToolName extracts the tool name from a "tool.invoke.<name>" topic.
// Returns ("", false) for anything malformed or empty.
func ParseToolName(topic string) (string, bool) {
	if !strings.HasPrefix(topic, toolInvokePrefix) {
		return "", false
	}
	name := strings.TrimPrefix(topic, toolInvokePrefix)
	if name == "" {
		return "", false
	}
	return name, true
}
