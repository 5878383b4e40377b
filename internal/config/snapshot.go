package config

import (
	"fmt"
	"slices"
	"time"
)

// DatasetKey names a dataset in the external state store. The conventional
// group names below may be mapped to concrete keys through Config.Groups.
type DatasetKey string

const (
	DatasetData         DatasetKey = "data"
	DatasetSettings     DatasetKey = "settings"
	DatasetIntegrations DatasetKey = "integrations"
	DatasetPlugins      DatasetKey = "plugins"
	DatasetAnalytics    DatasetKey = "analytics"
)

type Compression string

const (
	CompressionNone  Compression = "none"
	CompressionBasic Compression = "basic"
	CompressionHigh  Compression = "high"
)

type Schedule struct {
	Enabled         bool `yaml:"enabled" json:"enabled"`
	IntervalMinutes int  `yaml:"interval_minutes" json:"interval_minutes"`
}

func (s Schedule) Interval() time.Duration {
	return time.Duration(s.IntervalMinutes) * time.Minute
}

// Snapshot is the runtime snapshot configuration. A copy is embedded in every
// snapshot's metadata.
type Snapshot struct {
	Datasets    []DatasetKey `yaml:"datasets,omitempty" json:"datasets"`
	Compression Compression  `yaml:"compression" json:"compression"`
	Encryption  bool         `yaml:"encryption" json:"encryption"`
	Schedule    Schedule     `yaml:"schedule" json:"schedule"`
}

// Update is a partial Snapshot; nil fields are left unchanged by Merge.
type Update struct {
	Datasets                *[]DatasetKey
	Compression             *Compression
	Encryption              *bool
	ScheduleEnabled         *bool
	ScheduleIntervalMinutes *int
}

func DefaultSnapshot() Snapshot {
	return Snapshot{
		Datasets:    []DatasetKey{DatasetData, DatasetSettings},
		Compression: CompressionNone,
		Schedule: Schedule{
			IntervalMinutes: DefaultIntervalMinutes,
		},
	}
}

func (s Snapshot) Validate() error {
	switch s.Compression {
	case "", CompressionNone, CompressionBasic, CompressionHigh:
	default:
		return fmt.Errorf("compression must be one of none, basic, high, got %q", s.Compression)
	}
	if s.Schedule.Enabled && s.Schedule.IntervalMinutes < 1 {
		return fmt.Errorf("schedule.interval_minutes must be at least 1")
	}
	for i, k := range s.Datasets {
		if k == "" {
			return fmt.Errorf("datasets[%d] must not be empty", i)
		}
	}
	return nil
}

// Clone returns a deep copy so metadata never aliases the live config.
func (s Snapshot) Clone() Snapshot {
	s.Datasets = slices.Clone(s.Datasets)
	return s
}

// Merge applies u on top of s. Dataset selectors are deduplicated.
func (s Snapshot) Merge(u Update) Snapshot {
	out := s.Clone()
	if u.Datasets != nil {
		out.Datasets = nil
		for _, k := range *u.Datasets {
			if !slices.Contains(out.Datasets, k) {
				out.Datasets = append(out.Datasets, k)
			}
		}
	}
	if u.Compression != nil {
		out.Compression = *u.Compression
	}
	if u.Encryption != nil {
		out.Encryption = *u.Encryption
	}
	if u.ScheduleEnabled != nil {
		out.Schedule.Enabled = *u.ScheduleEnabled
	}
	if u.ScheduleIntervalMinutes != nil {
		out.Schedule.IntervalMinutes = *u.ScheduleIntervalMinutes
	}
	return out
}

// ScheduleChanged reports whether moving from s to next requires the
// scheduler to be restarted or stopped.
func (s Snapshot) ScheduleChanged(next Snapshot) bool {
	if s.Schedule.Enabled != next.Schedule.Enabled {
		return true
	}
	return next.Schedule.Enabled && s.Schedule.IntervalMinutes != next.Schedule.IntervalMinutes
}

// AsUpdate returns an Update that replaces every field with the value in s.
func (s Snapshot) AsUpdate() Update {
	datasets := slices.Clone(s.Datasets)
	compression := s.Compression
	encryption := s.Encryption
	enabled := s.Schedule.Enabled
	interval := s.Schedule.IntervalMinutes
	return Update{
		Datasets:                &datasets,
		Compression:             &compression,
		Encryption:              &encryption,
		ScheduleEnabled:         &enabled,
		ScheduleIntervalMinutes: &interval,
	}
}
