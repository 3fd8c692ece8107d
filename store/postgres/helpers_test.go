package postgres

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/xraph/msgq"
)

func TestParseNotifyPayload(t *testing.T) {
	tests := []struct {
		payload string
		want    msgq.Key
		ok      bool
	}{
		{"42", 42, true},
		{"-9", -9, true},
		{"", 0, false},
		{"chan", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseNotifyPayload(tt.payload)
		if ok != tt.ok || got != tt.want {
			t.Errorf("parseNotifyPayload(%q) = %d, %v; want %d, %v", tt.payload, got, ok, tt.want, tt.ok)
		}
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected embedded migrations")
	}
	data, err := fs.ReadFile(migrationsFS, "migrations/"+entries[0].Name())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	for _, table := range []string{"msgq_channels", "msgq_messages"} {
		if !strings.Contains(string(data), table) {
			t.Errorf("first migration does not create %s", table)
		}
	}
}
