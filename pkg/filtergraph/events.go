package filtergraph

import "github.com/asticode/go-astikit"

const (
	// Payload is a Filter
	EventNameFilterAdded astikit.EventName = "filtergraph.filter.added"
	// Payload is a *BasePin
	EventNameFilterEndOfStream astikit.EventName = "filtergraph.filter.end_of_stream"
	// Payload is an error
	EventNameFilterError astikit.EventName = "filtergraph.filter.error"
	// Payload is a Filter
	EventNameFilterRemoved astikit.EventName = "filtergraph.filter.removed"
	// Payload is a FilterStateChange
	EventNameFilterStateChanged astikit.EventName = "filtergraph.filter.state_changed"
	EventNameGraphClosed        astikit.EventName = "filtergraph.graph.closed"
	EventNameGraphComplete      astikit.EventName = "filtergraph.graph.complete"
	// Payload is a FilterStateChange
	EventNameGraphStateChanged astikit.EventName = "filtergraph.graph.state_changed"
	// Payload is a PinConnection
	EventNamePinConnected    astikit.EventName = "filtergraph.pin.connected"
	EventNamePinDisconnected astikit.EventName = "filtergraph.pin.disconnected"
)

type FilterStateChange struct {
	From FilterState
	To   FilterState
}

type PinConnection struct {
	From      Pin
	MediaType MediaType
	To        Pin
}
