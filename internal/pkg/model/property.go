package model

import "time"

// HistoryPoint is one recorded entity state.
type HistoryPoint struct {
	ID        int64     `json:"id"`
	TimeStamp time.Time `json:"timestamp"`
	Unit      string    `json:"unit_of_measurement"`
	Value     *string   `json:"value"`
	EntityID  string    `json:"entity_id"`
	DeviceID  string    `json:"device_id"`
}

type History []HistoryPoint
