package models

import "fmt"

// Option ranges match the limits enforced at upload time.
const (
	MinDPI     = 10
	MaxDPI     = 600
	MinQuality = 1
	MaxQuality = 100
)

// ReductionOptions is the transform parameter snapshot captured when a job is
// created. Jobs keep their own copy, so later changes never affect queued work.
type ReductionOptions struct {
	DPI           int  `json:"dpi"`
	Quality       int  `json:"quality"`
	Grayscale     bool `json:"grayscale"`
	RemoveImages  bool `json:"remove_images"`
	Aggressive    bool `json:"aggressive"`
	StripMetadata bool `json:"strip_metadata"`
}

// DefaultOptions returns the defaults used when form fields are omitted
func DefaultOptions() ReductionOptions {
	return ReductionOptions{
		DPI:     150,
		Quality: 80,
	}
}

// Validate checks the option ranges
func (o ReductionOptions) Validate() error {
	if o.DPI < MinDPI || o.DPI > MaxDPI {
		return fmt.Errorf("dpi must be between %d and %d", MinDPI, MaxDPI)
	}
	if o.Quality < MinQuality || o.Quality > MaxQuality {
		return fmt.Errorf("quality must be between %d and %d", MinQuality, MaxQuality)
	}
	return nil
}
