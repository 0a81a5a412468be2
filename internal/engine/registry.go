package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/raysh454/httpbridge/internal/model"
)

// resource is anything the registry can hand out a handle for.
type resource interface {
	// drop releases the resource. It must be safe to call more than once.
	drop()
}

// registry is the engine's handle arena. Handles increase monotonically and
// are never reused for the life of the engine.
type registry struct {
	next  atomic.Uint32
	cache *ttlcache.Cache[model.Handle, resource]
}

// newRegistry starts the expiry loop. onExpire runs for entries that were
// not touched within ttl; entries removed through take are not reported.
func newRegistry(ttl time.Duration, onExpire func(model.Handle, resource)) *registry {
	var opts []ttlcache.Option[model.Handle, resource]
	if ttl > 0 {
		opts = append(opts, ttlcache.WithTTL[model.Handle, resource](ttl))
	}
	cache := ttlcache.New[model.Handle, resource](opts...)
	cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[model.Handle, resource]) {
		if reason == ttlcache.EvictionReasonExpired && onExpire != nil {
			onExpire(item.Key(), item.Value())
		}
	})
	go cache.Start()
	return &registry{cache: cache}
}

func (r *registry) add(res resource) model.Handle {
	h := model.Handle(r.next.Add(1))
	r.cache.Set(h, res, ttlcache.DefaultTTL)
	return h
}

func (r *registry) get(h model.Handle) (resource, bool) {
	item := r.cache.Get(h)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// take removes h and returns what it pointed to. Exactly one caller wins.
func (r *registry) take(h model.Handle) (resource, bool) {
	item, ok := r.cache.GetAndDelete(h)
	if !ok || item == nil {
		return nil, false
	}
	return item.Value(), true
}

func (r *registry) handles() []model.Handle {
	return r.cache.Keys()
}

func (r *registry) len() int {
	return r.cache.Len()
}

func (r *registry) stop() {
	r.cache.Stop()
}
