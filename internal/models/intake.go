package models

// IntakeResult is the response body of a completed transcription pipeline.
type IntakeResult struct {
	Transcription   string `json:"transcription"`
	FormattedIntake string `json:"formattedIntake"`
}

// Question is the body of a follow-up question about a processed call.
type Question struct {
	Question        string `json:"question"`
	Transcript      string `json:"transcript"`
	FormattedIntake string `json:"formattedIntake"`
}

// ErrorPayload is the body of every non-2xx response.
type ErrorPayload struct {
	Message   string `json:"message"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}
