package querycache

import (
	"testing"

	"github.com/tasked/tasked/internal/model"
)

func TestKey_HasPrefix(t *testing.T) {
	tests := []struct {
		key    Key
		prefix Key
		want   bool
	}{
		{EntityKey(model.EntityTask, "t1"), TaskListKey(), true},
		{SearchKey("milk"), TaskListKey(), true},
		{TaskListKey(), TaskListKey(), true},
		{EntityKey(model.EntityTask, "t1"), EntityKey(model.EntityTask, "t1"), true},
		{EntityKey(model.EntityTask, "t10"), EntityKey(model.EntityTask, "t1"), false},
		{ProjectTasksKey("p1"), ProjectListKey(), true},
		{TaskListKey(), ProjectListKey(), false},
		{TaskListKey(), EntityKey(model.EntityTask, "t1"), false},
		{Key{"tasksx"}, TaskListKey(), false},
		{ProjectListKey(), Key{}, true},
	}

	for _, tt := range tests {
		if got := tt.key.HasPrefix(tt.prefix); got != tt.want {
			t.Errorf("%s.HasPrefix(%s) = %v, want %v", tt.key, tt.prefix, got, tt.want)
		}
	}
}

func TestKey_IDDoesNotCollide(t *testing.T) {
	a := Key{"tasks", "search", "a b"}
	b := Key{"tasks", "search a", "b"}
	if a.id() == b.id() {
		t.Errorf("keys %s and %s share id %q", a, b, a.id())
	}
	if !a.Equal(Key{"tasks", "search", "a b"}) || a.Equal(b) {
		t.Error("Equal compares segment by segment")
	}
}
