package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedEntry)
	}
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// MemoryRegistry is an in-process Registry. Writes to one subscription or
// event are serialized by a keyed lock; the indexes are guarded by an RWMutex
// so lookups and aggregations run concurrently with inserts.
type MemoryRegistry struct {
	keys keyedMutex

	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	byExternalID  map[string]string
	byTenant      map[string]map[string]struct{}
	events        map[string]*UsageEvent
	eventsBySub   map[string][]string

	now func() time.Time
}

// NewMemoryRegistry returns an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		subscriptions: make(map[string]*Subscription),
		byExternalID:  make(map[string]string),
		byTenant:      make(map[string]map[string]struct{}),
		events:        make(map[string]*UsageEvent),
		eventsBySub:   make(map[string][]string),
		now:           func() time.Time { return normalizeTime(time.Now()) },
	}
}

func (r *MemoryRegistry) UpsertByExternalID(ctx context.Context, attrs UpsertAttrs) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if attrs.ExternalSubscriptionID == "" {
		return nil, fmt.Errorf("%w: external subscription id is required", ErrInvalidInput)
	}

	unlockExt := r.keys.lock("ext:" + attrs.ExternalSubscriptionID)
	defer unlockExt()

	r.mu.RLock()
	id, exists := r.byExternalID[attrs.ExternalSubscriptionID]
	r.mu.RUnlock()

	if exists {
		return r.update(id, attrs.asUpdate())
	}

	sub, err := newSubscription(newID(), attrs, r.now())
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.byExternalID[sub.ExternalSubscriptionID]; taken {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateExternalID, sub.ExternalSubscriptionID)
	}
	r.subscriptions[sub.ID] = sub
	r.byExternalID[sub.ExternalSubscriptionID] = sub.ID
	r.indexTenantLocked(sub.TenantID, sub.ID)
	return sub.Clone(), nil
}

func (r *MemoryRegistry) GetByExternalID(ctx context.Context, externalID string) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byExternalID[externalID]
	if !ok {
		return nil, fmt.Errorf("%w: subscription with external id %s", ErrNotFound, externalID)
	}
	return r.subscriptions[id].Clone(), nil
}

func (r *MemoryRegistry) GetActiveByTenant(ctx context.Context, tenantID string) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Subscription
	for id := range r.byTenant[tenantID] {
		sub := r.subscriptions[id]
		if sub == nil || sub.Status != StatusSubscribed {
			continue
		}
		if best == nil || sub.UpdatedAt.After(best.UpdatedAt) ||
			(sub.UpdatedAt.Equal(best.UpdatedAt) && sub.ID > best.ID) {
			best = sub
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: active subscription for tenant %s", ErrNotFound, tenantID)
	}
	return best.Clone(), nil
}

func (r *MemoryRegistry) GetByID(ctx context.Context, id string) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("%w: subscription %s", ErrNotFound, id)
	}
	return sub.Clone(), nil
}

func (r *MemoryRegistry) Update(ctx context.Context, id string, upd SubscriptionUpdate) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.update(id, upd)
}

func (r *MemoryRegistry) update(id string, upd SubscriptionUpdate) (*Subscription, error) {
	unlock := r.keys.lock("sub:" + id)
	defer unlock()

	r.mu.RLock()
	current, ok := r.subscriptions[id]
	var next *Subscription
	if ok {
		next = current.Clone()
	}
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: subscription %s", ErrNotFound, id)
	}

	prevExternal, prevTenant := next.ExternalSubscriptionID, next.TenantID
	if err := applyUpdate(next, upd, r.now()); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if next.ExternalSubscriptionID != prevExternal {
		if owner, taken := r.byExternalID[next.ExternalSubscriptionID]; taken && owner != id {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateExternalID, next.ExternalSubscriptionID)
		}
		delete(r.byExternalID, prevExternal)
		r.byExternalID[next.ExternalSubscriptionID] = id
	}
	if next.TenantID != prevTenant {
		r.unindexTenantLocked(prevTenant, id)
		r.indexTenantLocked(next.TenantID, id)
	}
	r.subscriptions[id] = next
	return next.Clone(), nil
}

func (r *MemoryRegistry) List(ctx context.Context) ([]*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Subscription, 0, len(r.subscriptions))
	for _, sub := range r.subscriptions {
		out = append(out, sub.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRegistry) RecordUsageEvent(ctx context.Context, subscriptionID, dimension string, quantity int64, ts time.Time) (*UsageEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateUsage(quantity); err != nil {
		return nil, err
	}

	now := r.now()
	ev := &UsageEvent{
		ID:              newID(),
		SubscriptionID:  subscriptionID,
		ExternalEventID: newExternalEventID(),
		Dimension:       dimension,
		Quantity:        quantity,
		Timestamp:       normalizeTime(ts),
		DeliveryStatus:  DeliveryPending,
		CreatedAt:       now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subscriptions[subscriptionID]; !ok {
		return nil, fmt.Errorf("%w: subscription %s", ErrNotFound, subscriptionID)
	}
	r.events[ev.ID] = ev
	r.eventsBySub[subscriptionID] = append(r.eventsBySub[subscriptionID], ev.ID)
	return ev.Clone(), nil
}

func (r *MemoryRegistry) UpdateUsageEventStatus(ctx context.Context, eventID string, status DeliveryStatus, errMsg string) (*UsageEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unlock := r.keys.lock("evt:" + eventID)
	defer unlock()

	r.mu.RLock()
	current, ok := r.events[eventID]
	var next *UsageEvent
	if ok {
		next = current.Clone()
	}
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: usage event %s", ErrNotFound, eventID)
	}

	if err := applyEventStatus(next, status, errMsg, r.now()); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.events[eventID] = next
	r.mu.Unlock()
	return next.Clone(), nil
}

func (r *MemoryRegistry) AggregateUsage(ctx context.Context, subscriptionID string, start, end time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total int64
	for _, id := range r.eventsBySub[subscriptionID] {
		ev := r.events[id]
		if ev == nil || ev.DeliveryStatus != DeliverySent {
			continue
		}
		if ev.Timestamp.Before(start) || !ev.Timestamp.Before(end) {
			continue
		}
		total += ev.Quantity
	}
	return total, nil
}

func (r *MemoryRegistry) PendingUsageEvents(ctx context.Context, maxRetries int) ([]*UsageEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*UsageEvent
	for _, ev := range r.events {
		if ev.DeliveryStatus == DeliverySent || ev.RetryCount >= maxRetries {
			continue
		}
		out = append(out, ev.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemoryRegistry) Close() error {
	return nil
}

func (r *MemoryRegistry) indexTenantLocked(tenantID, id string) {
	if tenantID == "" {
		return
	}
	set, ok := r.byTenant[tenantID]
	if !ok {
		set = make(map[string]struct{})
		r.byTenant[tenantID] = set
	}
	set[id] = struct{}{}
}

func (r *MemoryRegistry) unindexTenantLocked(tenantID, id string) {
	set, ok := r.byTenant[tenantID]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(r.byTenant, tenantID)
	}
}
