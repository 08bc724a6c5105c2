package env

import (
	"os"

	"github.com/denisbrodbeck/machineid"
)

// MachineID retrieves an ID identifying the machine for this application.
// The host name is used when the machine has no ID.
func MachineID() string {
	id, err := machineid.ProtectedID("moatbus")
	if err == nil {
		return id
	}
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "unknown"
}
