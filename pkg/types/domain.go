package types

// ModelSpec is an immutable catalog entry describing the memory a model
// needs in each placement.
type ModelSpec struct {
	// Catalog name of the model.
	// example: medium
	Name string `json:"name" yaml:"name" toml:"name" example:"medium"`
	// Accelerator memory used when the model is placed on the device, in MB.
	// example: 1200
	VRAMMB int `json:"vram_mb" yaml:"vram_mb" toml:"vram_mb" example:"1200"`
	// Host memory used while the model is cached on the host, in MB.
	// example: 800
	RAMMB int `json:"ram_mb" yaml:"ram_mb" toml:"ram_mb" example:"800"`
	// Size of the downloadable artifact in MB.
	// example: 769
	DownloadMB int `json:"download_mb" yaml:"download_mb" toml:"download_mb" example:"769"`
}

// Segment is one timed span of a transcript.
type Segment struct {
	// Start offset in seconds.
	// example: 0.5
	Start float64 `json:"start" example:"0.5"`
	// End offset in seconds.
	// example: 3.25
	End float64 `json:"end" example:"3.25"`
	// Text spoken in the segment.
	Text string `json:"text" example:"Hello and welcome."`
	// Speaker label when diarization ran.
	// example: SPEAKER_00
	Speaker string `json:"speaker,omitempty" example:"SPEAKER_00"`
}

// Transcript is the output of one inference run.
type Transcript struct {
	// Full transcript text.
	Text string `json:"text"`
	// Timed segments.
	Segments []Segment `json:"segments"`
	// Language detected by the model.
	// example: en
	Language string `json:"language,omitempty" example:"en"`
	// Audio duration in seconds.
	// example: 62.4
	DurationSeconds float64 `json:"duration"`
}
