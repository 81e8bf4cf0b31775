// Package timeouts defines shared timeout constants used across services.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// Compile caps one escrow contract build, toolchain and init step included.
const Compile = 60 * time.Second

// StoreRequest caps a single storage call made on behalf of a chat frame.
const StoreRequest = 3 * time.Second
