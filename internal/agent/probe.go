package agent

import (
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Probe 采集一次遥测，返回的字段直接交给 SetTelemetry
type Probe func() map[string]string

// thermalZone Linux 上 CPU 温度，单位毫摄氏度
var thermalZone = "/sys/class/thermal/thermal_zone0/temp"

// SystemProbe 从本机采集。坐标来自配置，为空时不上报。
func SystemProbe(lat, lon string) Probe {
	return func() map[string]string {
		fields := map[string]string{
			"status_time": strconv.FormatInt(time.Now().Unix(), 10),
			"os_version":  runtime.GOOS + "-" + runtime.GOARCH,
		}
		if lat != "" && lon != "" {
			fields["location_lat"] = lat
			fields["location_lon"] = lon
		}
		if t, ok := readTemperature(thermalZone); ok {
			fields["temperature_celsius"] = t
		}
		for link, state := range linkStates() {
			fields[link] = state
		}
		return fields
	}
}

func readTemperature(path string) (string, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	milli, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return "", false
	}
	return strconv.FormatFloat(float64(milli)/1000, 'f', 1, 64), true
}

// linkStates 按网卡名前缀归类：wwan/ppp -> LTE，wl -> WiFi，eth/en -> Ethernet。
// 网卡 up 且有地址算 online。
func linkStates() map[string]string {
	states := map[string]string{"LTE": "offline", "WiFi": "offline", "Ethernet": "offline"}
	ifaces, err := net.Interfaces()
	if err != nil {
		return states
	}
	for _, iface := range ifaces {
		link := linkOf(iface.Name)
		if link == "" || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if addrs, err := iface.Addrs(); err == nil && len(addrs) > 0 {
			states[link] = "online"
		}
	}
	return states
}

func linkOf(name string) string {
	switch {
	case strings.HasPrefix(name, "wwan"), strings.HasPrefix(name, "ppp"):
		return "LTE"
	case strings.HasPrefix(name, "wl"):
		return "WiFi"
	case strings.HasPrefix(name, "eth"), strings.HasPrefix(name, "en"):
		return "Ethernet"
	}
	return ""
}
