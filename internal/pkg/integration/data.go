package integration

import (
	"strconv"
	"time"

	"github.com/anicoll/pollbridge/internal/pkg/model"
)

const (
	KeyHost         = "host"
	KeyPort         = "port"
	KeyUsername     = "username"
	KeyPassword     = "password"
	KeyToken        = "token"
	KeySSL          = "ssl"
	KeyTimeout      = "timeout"
	KeyScanInterval = "scan_interval"
)

func String(entry model.ConfigEntry, key, def string) string {
	if v, ok := entry.Data[key]; ok && v != "" {
		return v
	}
	return def
}

func Int(entry model.ConfigEntry, key string, def int) int {
	v, err := strconv.Atoi(entry.Data[key])
	if err != nil {
		return def
	}
	return v
}

// Duration accepts Go durations ("30s") or plain seconds ("30").
func Duration(entry model.ConfigEntry, key string, def time.Duration) time.Duration {
	raw := entry.Data[key]
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return def
}

func Bool(entry model.ConfigEntry, key string, def bool) bool {
	v, err := strconv.ParseBool(entry.Data[key])
	if err != nil {
		return def
	}
	return v
}
