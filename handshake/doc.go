/*
Package handshake waits for the engine to announce its control endpoint.

A Producer reads the engine's stdout line by line on its own goroutine and pushes every line onto an unbounded Queue, in order.
Lines longer than 1 MiB are dropped and counted rather than ending the read.
The caller then runs Scan, which pops lines off the Queue until one contains the marker substring and returns that line.

Scan has exactly two ways out: a matching line, or its context ending. A deadline turns into ErrHandshakeTimeout.
The engine closing its stdout without printing the marker is not a way out, so callers must always bound Scan with a deadline.

The matched line normally carries the address the engine is listening on, which ParseEndpoint extracts.
*/
package handshake
