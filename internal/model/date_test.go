package model

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func TestParseDueDate(t *testing.T) {
	// Wednesday
	now := time.Date(2025, time.October, 22, 9, 30, 0, 0, time.UTC)

	tests := []struct {
		name  string
		input string
		want  Date
	}{
		{"iso", "2025-11-03", Date{2025, time.November, 3}},
		{"timestamp", "2025-11-03T10:00:00Z", Date{2025, time.November, 3}},
		{"tomorrow", "tomorrow", Date{2025, time.October, 23}},
		{"empty clears", "", Date{}},
		{"none clears", "none", Date{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDueDate(tt.input, now)
			if err != nil {
				t.Fatalf("ParseDueDate(%q) failed: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseDueDate(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseDueDate_Gibberish(t *testing.T) {
	if _, err := ParseDueDate("qwzx plorp", time.Now()); err == nil {
		t.Error("expected an error for input with no date in it")
	}
}

func TestDate_JSON(t *testing.T) {
	var task struct {
		Due Date `json:"due"`
	}

	if err := json.Unmarshal([]byte(`{"due":null}`), &task); err != nil {
		t.Fatalf("Unmarshal null failed: %v", err)
	}
	if !task.Due.IsZero() {
		t.Errorf("null should decode to zero date, got %v", task.Due)
	}

	if err := json.Unmarshal([]byte(`{"due":"2025-10-21"}`), &task); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if task.Due != (Date{2025, time.October, 21}) {
		t.Errorf("Due = %v, want 2025-10-21", task.Due)
	}

	data, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != `{"due":"2025-10-21"}` {
		t.Errorf("Marshal = %s", data)
	}
}
