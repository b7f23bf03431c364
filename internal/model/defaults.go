package model

import "time"

// Shared defaults used by the config loader and the monitor.
const (
	DefaultFrequency = 5 * time.Second
	DefaultQueueSize = 100
)

// DefaultIncludeLevel is applied when a binding omits include_level.
func DefaultIncludeLevel() LevelSet {
	return NewLevelSet(LevelError)
}

// DefaultIncludeClass is applied when a binding omits include_class.
func DefaultIncludeClass() ClassSet {
	return NewClassSet(ClassServerStart, ClassServerVersion, ClassServerStop)
}
