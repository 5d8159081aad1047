package model

// PreprocessRequest asks the engine to turn a labeled dataset into training tensors.
type PreprocessRequest struct {
	Dataset     string   `json:"dataset" validate:"required"`
	Output      string   `json:"output" validate:"required"`
	MaxDuration *float64 `json:"maxDuration,omitempty" validate:"omitempty,min=1,max=600"`
}

// PreprocessResponse is the summary printed by the preprocess script.
type PreprocessResponse struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	OutputFiles int    `json:"outputFiles"`
	OutputDir   string `json:"outputDir,omitempty"`
	Labeled     int    `json:"labeled"`
	Total       int    `json:"total"`
}
