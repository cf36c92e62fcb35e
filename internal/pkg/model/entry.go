package model

import "time"

// ConfigEntry is one configured integration instance.
type ConfigEntry struct {
	ID        string            `yaml:"id" json:"id"`
	Domain    string            `yaml:"domain" json:"domain"`
	Title     string            `yaml:"title" json:"title"`
	UniqueID  string            `yaml:"unique_id" json:"unique_id"`
	Data      map[string]string `yaml:"data" json:"-"`
	Disabled  bool              `yaml:"disabled,omitempty" json:"disabled"`
	CreatedAt time.Time         `yaml:"created_at" json:"created_at"`
	UpdatedAt time.Time         `yaml:"updated_at" json:"updated_at"`
}

// Clone returns a copy that does not share Data with e.
func (e ConfigEntry) Clone() ConfigEntry {
	data := make(map[string]string, len(e.Data))
	for k, v := range e.Data {
		data[k] = v
	}
	e.Data = data
	return e
}
