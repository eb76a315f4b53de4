package stage

import (
	"strconv"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"

	"github.com/gaspardpetit/stagebridge/core/logx"
)

// Host capability keys.
const (
	CapHostOS       = "host.os"
	CapHostPlatform = "host.platform"
	CapHostCPUs     = "host.cpus"
)

// HostCapabilities describes the machine hosting the stage. Facts that
// cannot be read are left out.
func HostCapabilities() map[string]string {
	caps := map[string]string{}
	if info, err := host.Info(); err == nil {
		caps[CapHostOS] = info.OS
		if info.Platform != "" {
			caps[CapHostPlatform] = info.Platform
		}
	} else {
		logx.Log.Debug().Err(err).Msg("host info unavailable")
	}
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		caps[CapHostCPUs] = strconv.Itoa(n)
	}
	return caps
}
