// Package fakebus simulates the wires of a bus.
//
// Sim is a deterministic, discrete time simulation used to test handlers
// without a clock. Server and Node do the same over sockets: every client
// sends a byte whenever the wires it asserts change, and the server sends
// back the combined bus state.
package fakebus
