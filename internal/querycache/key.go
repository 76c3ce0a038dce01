package querycache

import (
	"strings"

	"github.com/tasked/tasked/internal/model"
)

// Key is a composite cache key: a collection name, then optional id and
// query segments. Keys match by whole-segment prefix.
type Key []string

// HasPrefix reports whether every segment of prefix matches the leading
// segments of k. The empty key is a prefix of every key.
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i, seg := range prefix {
		if k[i] != seg {
			return false
		}
	}
	return true
}

// Equal reports whether k and other have the same segments.
func (k Key) Equal(other Key) bool {
	return len(k) == len(other) && k.HasPrefix(other)
}

func (k Key) String() string {
	return "[" + strings.Join(k, " ") + "]"
}

// id is the map key for k. Segments may contain any printable text, so they
// are joined on a control character.
func (k Key) id() string {
	return strings.Join(k, "\x1f")
}

// ProjectListKey is the key of the project list with its aggregate counters.
func ProjectListKey() Key {
	return Key{string(model.EntityProject)}
}

// TaskListKey is the prefix of every task collection query.
func TaskListKey() Key {
	return Key{string(model.EntityTask)}
}

// EntityKey is the key of a single entity.
func EntityKey(t model.EntityType, id string) Key {
	return Key{string(t), id}
}

// SearchKey is the key of a task search.
func SearchKey(term string) Key {
	return Key{string(model.EntityTask), "search", term}
}

// ProjectTasksKey is the key of the tasks in one project.
func ProjectTasksKey(projectID string) Key {
	return Key{string(model.EntityProject), projectID, "tasks"}
}

// TaskProjectsKey is the key of the projects one task belongs to.
func TaskProjectsKey(taskID string) Key {
	return Key{string(model.EntityProject), "task", taskID}
}
