// Package bus implements the MoaT bus wire protocol.
//
// A bus consists of 2 to 4 open-drain wires shared by all nodes. A node
// transmits one symbol per tick by flipping a non-empty subset of wires,
// so the bus state carries base-(2^n-1) digits. Senders arbitrate by
// asserting a single priority wire first; the lowest asserted wire wins.
//
// Message is the buffer shared by the wire Handler and by the serial
// framer: it packs and unpacks arbitrary width chunks and carries the
// variable length address header.
//
// Handler is a pure state machine. It never blocks and owns no goroutine;
// the host feeds it wire changes and timer expirations through Wire and
// Timeout, and implements Callbacks to drive the wires and the timer.
package bus
