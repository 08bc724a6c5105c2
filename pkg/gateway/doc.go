// Package gateway bridges a serial link to an MQTT broker.
//
// Messages received on the link are published to in/<src>/<dst>/<code>
// below the topic prefix, payloads published to out are sent to the link.
// Both use the encoding of EncodeMessage.
package gateway
