// internal/agent/machineid.go
package agent

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/aceteam-ai/citadel-fabric/internal/telemetry"
)

// MachineClientID derives a stable client id from hardware identifiers so a
// node keeps its identity across reinstalls of the agent. It hashes the OS
// machine id, the primary MAC address and the hostname.
func MachineClientID() (telemetry.ClientID, error) {
	var id telemetry.ClientID

	machineID, _ := osMachineID()
	mac, _ := primaryMAC()
	hostname, _ := os.Hostname()
	if machineID == "" && mac == "" && hostname == "" {
		return id, errors.New("unable to gather any machine identifiers")
	}

	sum := sha256.Sum256([]byte(machineID + ":" + mac + ":" + hostname))
	copy(id[:], sum[:len(id)])
	return id, nil
}

func osMachineID() (string, error) {
	switch runtime.GOOS {
	case "linux":
		// /etc/machine-id needs no root; the DMI uuid does.
		for _, path := range []string{"/etc/machine-id", "/sys/class/dmi/id/product_uuid"} {
			if data, err := os.ReadFile(path); err == nil {
				if id := strings.TrimSpace(string(data)); id != "" {
					return id, nil
				}
			}
		}
		return "", errors.New("no machine id in /etc/machine-id or DMI")
	case "darwin":
		out, err := exec.Command("ioreg", "-rd1", "-c", "IOPlatformExpertDevice").Output()
		if err != nil {
			return "", fmt.Errorf("ioreg: %w", err)
		}
		return parseIORegUUID(string(out))
	default:
		return "", fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// parseIORegUUID extracts IOPlatformUUID from lines like
// "IOPlatformUUID" = "XXXXXXXX-XXXX-XXXX-XXXX-XXXXXXXXXXXX".
func parseIORegUUID(out string) (string, error) {
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "IOPlatformUUID") {
			continue
		}
		if _, v, ok := strings.Cut(line, "="); ok {
			if uuid := strings.Trim(strings.TrimSpace(v), `"`); uuid != "" {
				return uuid, nil
			}
		}
	}
	return "", errors.New("IOPlatformUUID not found in ioreg output")
}

// primaryMAC returns the hardware address of the first physical interface.
func primaryMAC() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		if isVirtualInterface(iface.Name) {
			continue
		}
		return iface.HardwareAddr.String(), nil
	}
	return "", errors.New("no suitable network interface found")
}

func isVirtualInterface(name string) bool {
	name = strings.ToLower(name)
	for _, prefix := range []string{"veth", "docker", "br-", "virbr", "tailscale", "wg"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
