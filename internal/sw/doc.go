// Package sw implements the offline cache policy controller: the install,
// fetch and activate handlers of a service worker, expressed as Go methods
// that receive extendable events from a host.
//
// Install pre-caches the asset manifest into the store named by the cache
// version, tolerating individual failures, then asks the host to skip the
// waiting phase. Fetch answers GET requests cache-first, falls back to the
// network (lazily caching what it fetched) and, when the network fails,
// to the cached offline shell or a plain-text 503. Activate deletes every
// store whose name is not the current version and asks the host to claim
// all clients.
//
// The controller never reaches for globals: the cache storage, the network
// fetcher and the host signals are injected through Options.
package sw
