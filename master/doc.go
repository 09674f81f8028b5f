// Package master owns the serial side of a PROPAR bus: a Master drives one
// serial handle with a dedicated receive worker and sequence-matched
// request/response correlation, and a SharedMaster serializes concurrent
// callers onto that handle, retries recoverable failures and rebuilds the
// port after fatal ones.
//
// One SharedMaster exists per physical port. Instrument facades and the
// poller never touch a Master directly; everything goes through the shared
// gate so at most one transaction is on the wire at any instant.
package master
