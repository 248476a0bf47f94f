package preprocess

import "fmt"

// PreprocessingError rejects an input the pipeline cannot turn into a
// tensor without corrupting it. It is a client error.
type PreprocessingError struct {
	Reason   string
	Channels int
	Err      error
}

func (e *PreprocessingError) Error() string {
	msg := "preprocessing: " + e.Reason
	if e.Channels != 0 {
		msg += fmt.Sprintf(" (%d channels)", e.Channels)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PreprocessingError) Unwrap() error { return e.Err }
