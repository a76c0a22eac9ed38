// Package server hosts the Fiber HTTP service and its middleware chain.
// Every request gets a request ID and a client identity cookie before it is
// handed to the proxy handler; paths under /-/ are reserved for diagnostics
// and never reach the proxy. The shared upstream http.Client and the
// hop-by-hop header filter also live here so proxy code can reuse them.
package server
