package ledger

import (
	"errors"
	"fmt"
)

// Validate checks the fields every backend requires before writing.
func Validate(entry Entry) error {
	if entry.TaskID == "" {
		return errors.New("ledger record requires task id")
	}
	if !entry.Outcome.Valid() {
		return fmt.Errorf("invalid outcome %q", entry.Outcome)
	}
	return nil
}
