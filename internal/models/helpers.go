package models

import (
	"fmt"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// RecordIDString extracts the string key from a SurrealDB RecordID.
// Job history rows are keyed by the local job ID, which is always a string.
func RecordIDString(id surrealmodels.RecordID) (string, error) {
	s, ok := id.ID.(string)
	if !ok {
		return "", fmt.Errorf("unexpected record key type: %T (expected string)", id.ID)
	}
	return s, nil
}
