// Package serial frames bus messages over byte streams.
//
// A frame is a lead byte (priority+1), a one or two byte length,
// the encoded header and content, and a CRC-16 sent high byte first.
// A single 0x06 byte acknowledges a frame.
package serial
