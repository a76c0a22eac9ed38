// Package host drives cache policy controllers through their lifecycle and
// routes intercepted requests to the worker that controls each client.
//
// A host keeps at most one active, one waiting and one installing worker.
// Clients are identified by an opaque ID (the proxy uses a cookie); a
// navigation binds its client to the active worker, and a worker that calls
// ClaimClients during activation takes over every known client.
package host
