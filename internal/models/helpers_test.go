package models

import (
	"testing"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

func TestRecordIDString(t *testing.T) {
	got, err := RecordIDString(surrealmodels.NewRecordID("embed_job", "a1b2c3d4"))
	if err != nil {
		t.Fatalf("RecordIDString: %v", err)
	}
	if got != "a1b2c3d4" {
		t.Errorf("RecordIDString = %q, want %q", got, "a1b2c3d4")
	}

	if _, err := RecordIDString(surrealmodels.NewRecordID("embed_job", 42)); err == nil {
		t.Error("expected error for non-string key")
	}
}
