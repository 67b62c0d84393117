// Package state persists the list of projects added to the daemon so they
// can be restored when it starts again.
//
// Two backends implement Store: SQLiteBackend keeps the list in a WAL-mode
// database under the portless home folder, MemoryBackend keeps it in memory
// for tests and for users who opt out of persistence.
//
//	store, err := state.Open(cfg.State, home)
//	if err != nil {
//		return err
//	}
//	defer store.Close()
//
//	projects, err := store.List(ctx)
package state
