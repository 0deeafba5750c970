// Package api models outbound management-API requests and executes them over
// HTTP. The Caller interface is the seam the dispatcher talks through; Client
// is the production implementation with endpoint registry, URL templating,
// bearer auth, and rate limiting. Failures are classified into the shared
// fault taxonomy so the retry policy can tell throttling from a bad request.
package api
