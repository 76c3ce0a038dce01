package querycache_test

import (
	"context"
	"fmt"

	"github.com/tasked/tasked/internal/eventloop/eventlooptest"
	"github.com/tasked/tasked/internal/model"
	"github.com/tasked/tasked/internal/querycache"
)

// Example shows an observer receiving the first fetch and the refetch that
// an invalidation of a parent key triggers.
func Example() {
	m := eventlooptest.NewManual()
	cache := querycache.New(m, nil)
	defer cache.Close()

	title := "Home"
	fetchProject := func(context.Context) (*model.Project, error) {
		return &model.Project{ID: "p1", Title: title}, nil
	}

	obs := querycache.Watch(cache, querycache.EntityKey(model.EntityProject, "p1"), fetchProject,
		func(p *model.Project, err error) {
			if err != nil {
				fmt.Println("error:", err)
				return
			}
			fmt.Println("project:", p.Title)
		})
	defer obs.Close()
	m.Flush()

	// Another client renames the project; the push channel invalidates every
	// project key.
	title = "Flat"
	n := cache.Invalidate(querycache.ProjectListKey())
	fmt.Println("invalidated:", n)
	m.Flush()

	fmt.Println("fetches:", cache.Stats().Fetches)

	// Output:
	// project: Home
	// invalidated: 1
	// project: Flat
	// fetches: 2
}

// ExampleFetch shows a one-shot query served from the cache.
func ExampleFetch() {
	m := eventlooptest.NewManual()
	cache := querycache.New(m, nil)
	defer cache.Close()

	calls := 0
	search := func(context.Context) ([]string, error) {
		calls++
		return []string{"Buy milk", "Buy bread"}, nil
	}
	show := func(titles []string, err error) { fmt.Println(titles, err) }

	key := querycache.SearchKey("buy")
	obs := querycache.Watch(cache, key, search, show)
	m.Flush()

	querycache.Fetch(cache, key, search, show)
	obs.Close()
	fmt.Println("calls:", calls)

	// Output:
	// [Buy milk Buy bread] <nil>
	// [Buy milk Buy bread] <nil>
	// calls: 1
}
