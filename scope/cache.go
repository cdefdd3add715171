package scope

import (
	"context"
	"strings"
	"time"

	"github.com/Velocidex/ttlcache/v2"
	"www.velocidex.com/golang/tracesketch/events"
	"www.velocidex.com/golang/tracesketch/store"
)

// Scope resolution sits on the hot path of every search and analyzer
// unit, so we memoize it briefly. Permission checks are deliberately
// never cached.
type CachedContext struct {
	delegate Context

	scopes  *ttlcache.Cache
	schemas *ttlcache.Cache
}

func NewCachedContext(delegate Context, ttl time.Duration) *CachedContext {
	scopes := ttlcache.NewCache()
	_ = scopes.SetTTL(ttl)
	scopes.SkipTTLExtensionOnHit(true)

	schemas := ttlcache.NewCache()
	_ = schemas.SetTTL(ttl)
	schemas.SkipTTLExtensionOnHit(true)

	return &CachedContext{
		delegate: delegate,
		scopes:   scopes,
		schemas:  schemas,
	}
}

func (self *CachedContext) Close() {
	_ = self.scopes.Close()
	_ = self.schemas.Close()
}

func (self *CachedContext) GetSketch(ctx context.Context,
	sketch_id string) (*events.Sketch, error) {
	return self.delegate.GetSketch(ctx, sketch_id)
}

func (self *CachedContext) ResolveScope(ctx context.Context,
	sketch_id string, timeline_ids []string) (*store.Scope, error) {

	key := sketch_id + "/" + strings.Join(timeline_ids, ",")
	cached, err := self.scopes.Get(key)
	if err == nil {
		return cached.(*store.Scope), nil
	}

	resolved, err := self.delegate.ResolveScope(ctx, sketch_id, timeline_ids)
	if err != nil {
		return nil, err
	}

	_ = self.scopes.Set(key, resolved)
	return resolved, nil
}

func (self *CachedContext) CheckPermission(ctx context.Context,
	sketch_id, user_id string, action Action) error {
	return self.delegate.CheckPermission(ctx, sketch_id, user_id, action)
}

func (self *CachedContext) TimelineStatus(ctx context.Context,
	timeline_id string) (events.TimelineStatus, error) {
	return self.delegate.TimelineStatus(ctx, timeline_id)
}

func (self *CachedContext) TimelineSchema(ctx context.Context,
	timeline_id string) (*events.Schema, error) {

	cached, err := self.schemas.Get(timeline_id)
	if err == nil {
		return cached.(*events.Schema), nil
	}

	schema, err := self.delegate.TimelineSchema(ctx, timeline_id)
	if err != nil {
		return nil, err
	}

	_ = self.schemas.Set(timeline_id, schema)
	return schema, nil
}
