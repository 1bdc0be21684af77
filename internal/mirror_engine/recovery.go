package mirror_engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/AnishMulay/sandmirror/internal/log_service"
	ms "github.com/AnishMulay/sandmirror/internal/metadata_service"

	"golang.org/x/sync/singleflight"
)

// sessionRecovery re-creates sessions a target lost, for example after a
// restart, when a request refers to a handle the store does not know.
// Concurrent recoveries of the same handle share one attempt.
type sessionRecovery struct {
	group singleflight.Group
	ls    log_service.LogService
}

func newSessionRecovery(ls log_service.LogService) *sessionRecovery {
	return &sessionRecovery{ls: ls}
}

// run calls fn and, if it fails for lack of a session, recovers the session
// and calls fn once more.
func (r *sessionRecovery) run(ctx context.Context, store ms.MetadataService, entryID string, key ms.SessionKey, ts int64, fn func() error) error {
	err := fn()
	if !errors.Is(err, ms.ErrNoSession) {
		return err
	}

	if err := r.reopen(ctx, store, entryID, key, ts); err != nil {
		r.ls.Error(log_service.LogEvent{
			Message:  "Session recovery failed",
			Metadata: map[string]any{"entryID": entryID, "client": key.ClientID, "handle": key.HandleID, "error": err.Error()},
		})
		return fmt.Errorf("%w: %v", ErrRecoveryFailed, err)
	}

	if err := fn(); err != nil {
		if errors.Is(err, ms.ErrNoSession) {
			return fmt.Errorf("%w: %v", ErrRecoveryFailed, err)
		}
		return err
	}
	return nil
}

func (r *sessionRecovery) reopen(ctx context.Context, store ms.MetadataService, entryID string, key ms.SessionKey, ts int64) error {
	_, err, shared := r.group.Do(key.ClientID+"/"+key.HandleID, func() (interface{}, error) {
		if store.HasSession(ctx, entryID, key) {
			return nil, nil
		}
		return nil, store.OpenFile(ctx, entryID, key, 0, ts)
	})

	r.ls.Info(log_service.LogEvent{
		Message:  "Recovered session",
		Metadata: map[string]any{"entryID": entryID, "client": key.ClientID, "handle": key.HandleID, "shared": shared, "ok": err == nil},
	})
	return err
}
