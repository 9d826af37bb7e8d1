package app

// Operation tracks a CLI command that may mutate the ledger. Operations are
// created in memory with ID=0. Only mutating commands persist them, which
// records a row in the cycle history and gives them an id.
type Operation struct {
	ID         int64
	Name       string
	Parameters string
	Status     string // "success" or "error"
	Summary    string
}

// NewOperation creates a new in-memory operation.
func NewOperation(name, parameters string) *Operation {
	return &Operation{
		Name:       name,
		Parameters: parameters,
		Status:     "success",
	}
}

// Persisted returns true if this operation has been saved to the database.
func (op *Operation) Persisted() bool {
	return op.ID != 0
}

// Fail marks the operation as failed and returns err unchanged.
func (op *Operation) Fail(err error) error {
	if err != nil {
		op.Status = "error"
		if op.Summary == "" {
			op.Summary = err.Error()
		}
	}
	return err
}
