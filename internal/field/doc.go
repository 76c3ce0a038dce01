// Package field synchronizes one editable field of one entity with the remote
// store.
//
// A Session reconciles three sources for the field's value: the user's live
// edits, the debounced write trigger, and refreshes arriving from the query
// cache. Local edits win while the field has the user's attention; once
// attention moves away the server is authoritative again.
//
// # Lifecycle
//
// A session moves between four states:
//
//   - clean: the control shows the persisted value
//   - editing: the user changed the value and the debounce window is open
//   - persisting: a write is in flight
//   - failed: the last write was rejected or ran out of retries
//
// Edits restart the debounce window. When it elapses the session issues a
// Write with the next sequence number and sends it off the loop:
//
//	s, err := field.NewSession(field.Options[string]{
//	    EntityType: model.EntityTask,
//	    EntityID:   "t1",
//	    Field:      model.FieldTitle,
//	    Initial:    "Buy milk",
//	    Control:    titleInput,
//	    Writer:     apiClient,
//	    Journal:    outbox,
//	    Scheduler:  loop,
//	    Config:     field.Config{Debounce: field.DefaultTextDebounce},
//	})
//	s.Edit("Buy oat milk")  // written once the window elapses
//	s.Blur()                // or right away when the control loses focus
//
// # Ordering
//
// Writes of one session are sent one at a time. A write that has not been
// sent when a newer one is issued is dropped, and a write that is still
// retrying stops retrying once a newer one exists, so the server never ends
// up with an older value than the newest edit. Completions that arrive out
// of order only move the persisted value forward.
//
// Only the newest write of a session touches the Journal: its failure is
// recorded, its success resolves the field's entry.
//
// # Refreshes
//
// Refresh offers a refetched value. It always becomes the persisted value,
// but it replaces what the control shows only while the Gate is open: the
// control is unfocused, the client is hidden, or the user is idle. A held
// refresh is applied by Blur or Reconcile unless the user edits first. A
// refresh that arrives while a write is in flight is newer than that write,
// so the write's completion does not overwrite it.
//
// # Registry
//
// A Registry tracks the live sessions of the client so that idle and
// visibility changes can reconcile every field at once, and so that
// configuration changes reach sessions that are already open.
package field
