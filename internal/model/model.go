package model

// Level identifies a tier of the progress hierarchy.
type Level string

const (
	LevelProduct Level = "product"
	LevelDomain  Level = "domain"
	LevelFeature Level = "feature"
	LevelSubtask Level = "subtask"
)

// Status is derived from completion and never stored independently:
// 100 is complete, 0 is pending, anything in between is in-progress.
type Status string

const (
	StatusComplete   Status = "complete"
	StatusInProgress Status = "in-progress"
	StatusPending    Status = "pending"
)

// StatusFor returns the status implied by a completion percentage.
func StatusFor(completion int) Status {
	switch completion {
	case 100:
		return StatusComplete
	case 0:
		return StatusPending
	default:
		return StatusInProgress
	}
}

// Priority tags a feature for weighted scoring. Domains and subtasks
// carry no priority of their own.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityMedium   Priority = "MEDIUM"
	PriorityLow      Priority = "LOW"
)

// Priorities lists all priorities from most to least urgent.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}

// Rank orders priorities for "highest priority feature" selection;
// lower rank is more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// Valid reports whether p is one of the four known priorities.
func (p Priority) Valid() bool {
	return p.Rank() < 4
}

type Product struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Completion  int      `json:"completion" minimum:"0" maximum:"100"`
	Description string   `json:"description,omitempty"`
	Domains     []Domain `json:"domains,omitempty"`
}

type Domain struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Completion  int       `json:"completion" minimum:"0" maximum:"100"`
	Description string    `json:"description,omitempty"`
	Features    []Feature `json:"features,omitempty"`
}

type Feature struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Completion   int       `json:"completion" minimum:"0" maximum:"100"`
	Priority     Priority  `json:"priority" enum:"CRITICAL,HIGH,MEDIUM,LOW"`
	Status       Status    `json:"status" enum:"complete,in-progress,pending"`
	Description  string    `json:"description,omitempty"`
	Dependencies []string  `json:"dependencies,omitempty"`
	Subtasks     []Subtask `json:"subtasks,omitempty"`
}

type Subtask struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Completion int    `json:"completion" minimum:"0" maximum:"100"`
	Status     Status `json:"status" enum:"complete,in-progress,pending"`
}
