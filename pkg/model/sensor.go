package model

import "strings"

// Telemetry 传感器最近一次上报的状态快照 (固定 schema)
type Telemetry struct {
	StatusTime         int64  `json:"status_time"` // Unix 时间戳
	LocationLat        string `json:"location_lat,omitempty"`
	LocationLon        string `json:"location_lon,omitempty"`
	OSVersion          string `json:"os_version,omitempty"`
	TemperatureCelsius string `json:"temperature_celsius,omitempty"`
	LTE                string `json:"LTE"`
	WiFi               string `json:"WiFi"`
	Ethernet           string `json:"Ethernet"`
}

// DefaultTelemetry 新注册传感器的默认状态，链路默认离线
func DefaultTelemetry() Telemetry {
	return Telemetry{
		LTE:      "offline",
		WiFi:     "offline",
		Ethernet: "offline",
	}
}

// Sensor 远端设备
type Sensor struct {
	ID     string    `json:"id"`          // 存储层分配
	Name   string    `json:"sensor_name"` // 唯一，创建后不可改
	Jobs   []string  `json:"jobs"`        // 待执行任务队列 (只含 pending 任务)
	Status Telemetry `json:"status"`
}

// HasJob 判断队列里是否有该任务
func (s *Sensor) HasJob(name string) bool {
	for _, j := range s.Jobs {
		if j == name {
			return true
		}
	}
	return false
}

// Location 地图上的一个点
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// ValidName 名称只允许 ASCII 字母数字以及 - _ . : + ( ) @ /
func ValidName(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.IndexByte("-_.:+()@/", c) >= 0:
		default:
			return false
		}
	}
	return true
}
