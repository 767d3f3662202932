package config

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"SwarmSync/internal/account"
	"SwarmSync/internal/swarm"
)

const (
	// uploadDebounce groups bursts of changes into one upload.
	uploadDebounce = time.Second

	// configTTL is the lifetime of stored config messages.
	configTTL = 14 * 24 * time.Hour
)

// SwarmStore stores and deletes items on swarms. *swarm.Client implements it.
type SwarmStore interface {
	Store(ctx context.Context, auth swarm.Auth, msg swarm.StoreMessage) (swarm.StoreResponse, error)
	Delete(ctx context.Context, auth swarm.Auth, hashes []string, required bool) (map[string]bool, error)
}

// Uploader pushes config changes to the swarms they belong to.
type Uploader struct {
	engine   *Engine
	swarm    SwarmStore
	log      *slog.Logger
	debounce time.Duration

	mu      sync.Mutex
	user    bool
	groups  map[account.ID]struct{}
	trigger chan struct{}
}

// NewUploader creates an uploader and subscribes it to engine changes.
func NewUploader(engine *Engine, store SwarmStore, log *slog.Logger) *Uploader {
	if log == nil {
		log = slog.Default()
	}

	u := &Uploader{
		engine:   engine,
		swarm:    store,
		log:      log,
		debounce: uploadDebounce,
		groups:   make(map[account.ID]struct{}),
		trigger:  make(chan struct{}, 1),
	}

	engine.Subscribe(u.onEvent)

	return u
}

func (u *Uploader) onEvent(ev Event) {
	u.mu.Lock()
	switch ev := ev.(type) {
	case UserConfigsModified:
		u.user = true
	case GroupConfigsUpdated:
		if _, ok := u.engine.GroupAdminKey(ev.Group); !ok {
			u.mu.Unlock()
			return
		}
		u.groups[ev.Group] = struct{}{}
	}
	u.mu.Unlock()

	select {
	case u.trigger <- struct{}{}:
	default:
	}
}

// Run uploads scheduled changes once no new change arrived for the
// debounce interval. It returns when ctx is done.
func (u *Uploader) Run(ctx context.Context) error {
	timer := time.NewTimer(u.debounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()

		case <-u.trigger:
			timer.Reset(u.debounce)

		case <-timer.C:
			u.flush(ctx)
		}
	}
}

// flush uploads everything scheduled.
func (u *Uploader) flush(ctx context.Context) {
	u.mu.Lock()
	user := u.user
	groups := u.groups
	u.user = false
	u.groups = make(map[account.ID]struct{})
	u.mu.Unlock()

	if user {
		if err := u.SyncUser(ctx); err != nil {
			u.log.Warn("user config upload failed", "error", err)
		}
	}

	for id := range groups {
		if err := u.SyncGroup(ctx, id); err != nil {
			u.log.Warn("group config upload failed", "group", id, "error", err)
		}
	}
}

// SyncUser uploads every user kind needing a push, in parallel.
func (u *Uploader) SyncUser(ctx context.Context) error {
	ups, err := u.engine.userUploads()
	if err != nil {
		return err
	}
	if len(ups) == 0 {
		return nil
	}

	auth, err := swarm.NewUserAuth(u.engine.keys)
	if err != nil {
		return err
	}

	obsolete, err := u.storeAll(ctx, auth, u.engine.keys.ID(), ups)
	u.deleteObsolete(ctx, auth, obsolete)

	return err
}

// SyncGroup uploads the pending group pushes. Keys go first since info
// and members may be encrypted with a generation they introduce.
func (u *Uploader) SyncGroup(ctx context.Context, id account.ID) error {
	admin, ok := u.engine.GroupAdminKey(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAdmin, id)
	}

	auth, err := swarm.NewGroupAdminAuth(id, admin)
	if err != nil {
		return err
	}

	ups, err := u.engine.groupUploads(id)
	if err != nil {
		return err
	}

	var keys, rest []upload
	for _, up := range ups {
		if up.kind == KindGroupKeys {
			keys = append(keys, up)
		} else {
			rest = append(rest, up)
		}
	}

	obsolete, err := u.storeAll(ctx, auth, id, keys)
	if err != nil {
		return err
	}

	more, err := u.storeAll(ctx, auth, id, rest)
	obsolete = append(obsolete, more...)
	u.deleteObsolete(ctx, auth, obsolete)

	return err
}

// storeAll stores ups in parallel, confirms each stored push and returns
// the hashes the confirmed pushes superseded.
func (u *Uploader) storeAll(ctx context.Context, auth swarm.Auth, owner account.ID, ups []upload) ([]string, error) {
	var (
		mu       sync.Mutex
		obsolete []string
	)

	g, gctx := errgroup.WithContext(ctx)

	for _, up := range ups {
		g.Go(func() error {
			resp, err := u.swarm.Store(gctx, auth, swarm.StoreMessage{
				Recipient: owner,
				Namespace: up.kind.Namespace(),
				Data:      up.data,
				TTL:       configTTL.Milliseconds(),
			})
			if err != nil {
				return fmt.Errorf("store %s:\n%w", up.kind, err)
			}

			hash, ok := resp.MessageHash()
			if !ok {
				return fmt.Errorf("store %s: no hash in response", up.kind)
			}

			if !u.engine.confirm(owner, up.kind, up.seqNo, hash) {
				return nil
			}

			u.log.Debug("config pushed", "kind", up.kind, "owner", owner, "seqno", up.seqNo, "hash", hash)

			mu.Lock()
			for _, h := range up.obsolete {
				if h != hash {
					obsolete = append(obsolete, h)
				}
			}
			mu.Unlock()

			return nil
		})
	}

	err := g.Wait()

	return obsolete, err
}

// deleteObsolete removes superseded messages. Failures only cost storage
// until the messages expire, so they are logged and dropped.
func (u *Uploader) deleteObsolete(ctx context.Context, auth swarm.Auth, hashes []string) {
	if len(hashes) == 0 {
		return
	}

	if _, err := u.swarm.Delete(ctx, auth, hashes, false); err != nil {
		u.log.Debug("obsolete config delete failed", "count", len(hashes), "error", err)
	}
}
