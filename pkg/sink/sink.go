// Package sink publishes gauge series to the metrics backend.
package sink

import (
	"errors"
	"fmt"
)

// Series names.
const (
	SeriesDeviceMemory      = "gpu_memory_usage"
	SeriesDeviceUtilization = "gpu_utilization"
	SeriesUserMemory        = "gpu_user_memory_usage"
	SeriesUserUtilization   = "gpu_user_utilization"
)

// Label names.
const (
	LabelGPUIndex = "gpu_index"
	LabelGPUUUID  = "gpu_uuid"
	LabelUser     = "user"
)

var ErrUnknownSeries = errors.New("unknown series")

// Labels is the label set of one series.
type Labels map[string]string

// Sink sets and removes gauge series.
//
// Both operations are idempotent: setting an existing series overwrites
// its value, removing an absent series is a no-op.
type Sink interface {
	SetGauge(name string, labels Labels, value float64) error
	RemoveGauge(name string, labels Labels) error
}

// DeviceLabels returns the labels of the per-device series.
func DeviceLabels(index int, uuid string) Labels {
	return Labels{
		LabelGPUIndex: fmt.Sprint(index),
		LabelGPUUUID:  uuid,
	}
}

// UserLabels returns the labels of the per-user series.
func UserLabels(index int, user string) Labels {
	return Labels{
		LabelGPUIndex: fmt.Sprint(index),
		LabelUser:     user,
	}
}
