package model

// Event is a program event decoded from a transaction's log messages.
type Event struct {
	Name      string      `json:"name"`
	Data      interface{} `json:"data"`
	ProgramID string      `json:"programId"`
	LogIndex  int         `json:"logIndex"`
}

// InstructionAnnotation holds the fields attached to a decoded instruction.
type InstructionAnnotation struct {
	Name        string      `json:"name"`
	ParsedData  interface{} `json:"parsedData"`
	ProgramID   string      `json:"programId"`
	ProgramName string      `json:"programName,omitempty"`
}

// Apply writes the annotation onto a generic instruction object.
func (a InstructionAnnotation) Apply(instruction map[string]interface{}) {
	instruction["name"] = a.Name
	instruction["parsedData"] = a.ParsedData
	instruction["programId"] = a.ProgramID
	if a.ProgramName != "" {
		instruction["programName"] = a.ProgramName
	}
}
