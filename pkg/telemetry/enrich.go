package telemetry

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/shirou/gopsutil/host"
)

// commonContext collects the machine/process properties stamped onto every
// item. Collected once per channel; host lookups that fail simply leave their
// keys out.
func commonContext() map[string]string {
	props := map[string]string{
		"sdk.version": "telemetry-go/" + Version,
		"process.id":  strconv.Itoa(os.Getpid()),
	}
	if exe, err := os.Executable(); err == nil {
		props["process.name"] = filepath.Base(exe)
	}
	if hostname, err := os.Hostname(); err == nil {
		props["host.name"] = hostname
	}
	if info, err := host.Info(); err == nil {
		props["os.type"] = info.OS
		props["os.platform"] = info.Platform
		props["os.version"] = info.PlatformVersion
	}
	return props
}
