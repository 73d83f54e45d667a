// Package api exposes the external HTTP surface of the trading trust layer:
// submitting trading requests to the orchestrator and querying the status of
// past sessions.
package api
