// Package crc provides the reflected, table driven CRCs used by the bus.
//
// Bus wires carry one n-bit symbol per arbitration tick, so the register can
// be advanced by an arbitrary number of bits per step, not just bytes.
// All parameter sets are reflected, start at zero and are not inverted
// at the end, so appending the CRC (least significant bit first) to the
// covered data always yields a zero residue.
package crc
