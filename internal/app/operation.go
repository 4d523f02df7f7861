package app

import "bsr-go/internal/database"

// Operation tracks one CLI invocation. Operations start in memory;
// only registry-mutating commands persist them to the local log.
type Operation struct {
	ID         string
	Name       string
	Parameters string
	Status     database.OperationStatus

	persisted bool
}

// NewOperation creates a new in-memory operation, presumed successful
// until Fail is called.
func NewOperation(id, name, parameters string) *Operation {
	return &Operation{
		ID:         id,
		Name:       name,
		Parameters: parameters,
		Status:     database.StatusSucceeded,
	}
}

// Fail marks the operation failed.
func (op *Operation) Fail() {
	op.Status = database.StatusFailed
}

// Persisted returns true if this operation has been saved to the log.
func (op *Operation) Persisted() bool {
	return op.persisted
}
