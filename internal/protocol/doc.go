// Package protocol defines the payloads exchanged between the logical
// services, the events pushed to clients, and the typed client commands.
package protocol
