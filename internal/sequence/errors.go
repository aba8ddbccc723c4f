package sequence

import "fmt"

// ConflictError is returned when a start is attempted while another sequence runs.
type ConflictError struct {
	Active string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cannot start while %q is running", e.Active)
}

type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("sequence %q is not defined", e.Name)
}

// ConfirmationRequiredError is returned for sequences that need an explicit
// operator confirmation before they may start.
type ConfirmationRequiredError struct {
	Name string
}

func (e *ConfirmationRequiredError) Error() string {
	return fmt.Sprintf("sequence %q requires confirmation", e.Name)
}
