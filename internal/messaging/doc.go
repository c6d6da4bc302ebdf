// Package messaging implements addressed, asynchronous request/response
// between logical services.
//
// A Node owns one address on a Transport. Send is fire-and-forget;
// SendAndReceive registers a pending request keyed by the envelope id and
// waits for a reply carrying that id as its correlation id, or for the
// timeout. Replies for unknown or expired ids are dropped.
package messaging
