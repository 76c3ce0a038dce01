// Package querycache memoizes fetched entities and collections for every
// consumer in the client.
//
// Entries are only ever written by their own fetches and by local optimistic
// writers (SetData). Everyone else can only Invalidate, which never blocks: it
// marks entries stale and refetches the ones somebody is currently observing.
// Unobserved entries are served to the next consumer only after a refetch and
// are dropped once they have been unobserved for GCTime.
//
// A Cache is loop-confined. Fetchers run off the loop through the scheduler.
//
// # Keys
//
// Keys are segment lists. Invalidating a key also invalidates every key it is
// a prefix of, so EntityKey(model.EntityProject, "p1") reaches the project
// and ProjectTasksKey("p1"):
//
//	obs := querycache.Watch(cache, querycache.EntityKey(model.EntityTask, id),
//	    func(ctx context.Context) (*model.Task, error) { return client.GetTask(ctx, id) },
//	    func(t *model.Task, err error) {
//	        // called with the cached value, then after every refetch
//	    })
//	defer obs.Close()
//
//	cache.Invalidate(querycache.EntityKey(model.EntityTask, id))
//
// Concurrent invalidations of one key while a fetch is running collapse into
// a single refetch once that fetch completes.
package querycache
