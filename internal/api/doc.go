// Package api handles incoming HTTP and WebSocket requests, routing,
// request validation, and response formatting. It acts as an adapter
// between external clients and the internal task services, translating
// transport concerns to lifecycle operations.
package api
