package distributed

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"callengine/internal/core/domain"
	"callengine/internal/core/ports"
	"callengine/pkg/cache"
	"callengine/pkg/clock"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultEntryTTL  = 5 * time.Minute
	directoryTimeout = 2 * time.Second
	// remoteCacheTTL bounds how stale a located remote call may be.
	remoteCacheTTL = 2 * time.Second
)

var _ ports.CallLocator = (*CallDirectory)(nil)

// DirectoryEntry records which instance owns a call.
type DirectoryEntry struct {
	InstanceID   string          `json:"instance_id"`
	Call         domain.CallInfo `json:"call"`
	RegisteredAt time.Time       `json:"registered_at"`
}

// CallDirectory shares call ownership across instances so any instance can
// tell where a call lives.
type CallDirectory struct {
	client     redis.UniversalClient
	instanceID string
	prefix     string
	ttl        time.Duration
	clock      clock.Clock
	logger     *zap.SugaredLogger
	calls      ports.CallService
	queue      chan domain.Event
	remote     *cache.Cache[domain.CallID, DirectoryEntry]
}

func NewCallDirectory(
	client redis.UniversalClient,
	instanceID string,
	calls ports.CallService,
	logger *zap.SugaredLogger,
) *CallDirectory {
	return &CallDirectory{
		client:     client,
		instanceID: instanceID,
		prefix:     "callengine:call:",
		ttl:        defaultEntryTTL,
		clock:      clock.Real{},
		logger:     logger.With("component", "call_directory"),
		calls:      calls,
		queue:      make(chan domain.Event, defaultSinkBuffer),
		remote:     cache.New[domain.CallID, DirectoryEntry](remoteCacheTTL, clock.Real{}),
	}
}

// SetClock replaces the clock used for entry timestamps and the remote
// lookup cache.
func (d *CallDirectory) SetClock(c clock.Clock) {
	d.clock = c
	d.remote = cache.New[domain.CallID, DirectoryEntry](remoteCacheTTL, c)
}

// Attach keeps the directory in sync with the local call registry.
func (d *CallDirectory) Attach(bus ports.EventSubscriber) func() {
	return bus.Subscribe(func(event domain.Event) {
		switch event.Type {
		case domain.EventCallCreated, domain.EventCallStateChanged, domain.EventCallRemoved:
		default:
			return
		}
		select {
		case d.queue <- event:
		default:
			d.logger.Warnw("directory queue full, dropping update", "call_id", event.CallID)
		}
	})
}

// Run applies queued updates until ctx is done. Entries of this instance
// are removed on exit.
func (d *CallDirectory) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			cleanupCtx, cancel := context.WithTimeout(context.Background(), directoryTimeout)
			if err := d.CleanupInstance(cleanupCtx); err != nil {
				d.logger.Warnw("failed to clean up directory entries", "error", err)
			}
			cancel()
			return
		case event := <-d.queue:
			opCtx, cancel := context.WithTimeout(ctx, directoryTimeout)
			if err := d.apply(opCtx, event); err != nil {
				d.logger.Warnw("failed to update call directory",
					"call_id", event.CallID,
					"type", event.Type,
					"error", err,
				)
			}
			cancel()
		}
	}
}

func (d *CallDirectory) apply(ctx context.Context, event domain.Event) error {
	if event.Type == domain.EventCallRemoved {
		return d.Unregister(ctx, event.CallID)
	}
	info, err := d.calls.GetCall(ctx, event.CallID)
	if err != nil {
		// Removed before the update got here.
		return nil
	}
	return d.Register(ctx, info)
}

func (d *CallDirectory) Register(ctx context.Context, info domain.CallInfo) error {
	data, err := json.Marshal(DirectoryEntry{
		InstanceID:   d.instanceID,
		Call:         info,
		RegisteredAt: d.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal directory entry: %w", err)
	}

	pipe := d.client.TxPipeline()
	pipe.Set(ctx, d.callKey(info.ID), data, d.ttl)
	pipe.SAdd(ctx, d.instanceKey(d.instanceID), string(info.ID))
	pipe.Expire(ctx, d.instanceKey(d.instanceID), 2*d.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to register call: %w", err)
	}
	return nil
}

func (d *CallDirectory) Unregister(ctx context.Context, id domain.CallID) error {
	pipe := d.client.TxPipeline()
	pipe.Del(ctx, d.callKey(id))
	pipe.SRem(ctx, d.instanceKey(d.instanceID), string(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to unregister call: %w", err)
	}
	return nil
}

// Lookup returns the directory entry of a call, or domain.ErrCallNotFound.
func (d *CallDirectory) Lookup(ctx context.Context, id domain.CallID) (DirectoryEntry, error) {
	raw, err := d.client.Get(ctx, d.callKey(id)).Result()
	if stderrors.Is(err, redis.Nil) {
		return DirectoryEntry{}, domain.ErrCallNotFound
	}
	if err != nil {
		return DirectoryEntry{}, fmt.Errorf("failed to get call: %w", err)
	}
	var entry DirectoryEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return DirectoryEntry{}, fmt.Errorf("failed to unmarshal directory entry: %w", err)
	}
	return entry, nil
}

// Locate reports the owning instance of a call. Entries owned by other
// instances are cached briefly; misses are not.
func (d *CallDirectory) Locate(ctx context.Context, id domain.CallID) (string, domain.CallInfo, error) {
	if entry, ok := d.remote.Get(id); ok {
		return entry.InstanceID, entry.Call, nil
	}
	entry, err := d.Lookup(ctx, id)
	if err != nil {
		return "", domain.CallInfo{}, err
	}
	if entry.InstanceID != d.instanceID {
		d.remote.Set(id, entry)
	}
	return entry.InstanceID, entry.Call, nil
}

// InstanceCalls lists the call ids registered by instanceID.
func (d *CallDirectory) InstanceCalls(ctx context.Context, instanceID string) ([]domain.CallID, error) {
	ids, err := d.client.SMembers(ctx, d.instanceKey(instanceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get instance calls: %w", err)
	}
	out := make([]domain.CallID, len(ids))
	for i, id := range ids {
		out[i] = domain.CallID(id)
	}
	return out, nil
}

// CleanupInstance removes every entry registered by this instance.
func (d *CallDirectory) CleanupInstance(ctx context.Context) error {
	ids, err := d.InstanceCalls(ctx, d.instanceID)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, d.callKey(id))
	}
	keys = append(keys, d.instanceKey(d.instanceID))
	return d.client.Del(ctx, keys...).Err()
}

func (d *CallDirectory) callKey(id domain.CallID) string {
	return d.prefix + string(id)
}

func (d *CallDirectory) instanceKey(instanceID string) string {
	return fmt.Sprintf("callengine:instance:%s:calls", instanceID)
}
