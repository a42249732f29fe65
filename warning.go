package avrio

import "fmt"

// Warning represents a warning generated during query execution.
type Warning struct {
	WarningCode WarningCode `json:"warningCode"`
	Message     string      `json:"message"`
}

// WarningCode represents the code and name of a warning.
type WarningCode struct {
	Code int    `json:"code"`
	Name string `json:"name"`
}

func (w Warning) String() string {
	return fmt.Sprintf("%s(%d): %s", w.WarningCode.Name, w.WarningCode.Code, w.Message)
}
