// Package server hosts the Fiber HTTP service and the glue around it: the
// request-id middleware, the shared upstream http.Client, hop-by-hop header
// filtering and storage driver bootstrap. Everything under /-/ is left to the
// diagnostics routes registered by package routes; every other path goes to
// the injected ProxyHandler, which decides whether the cache manager handles
// it. Keep exports narrow and accept explicit dependencies so tests can swap
// in fake handlers.
package server
