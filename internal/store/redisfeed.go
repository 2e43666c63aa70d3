package store

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"
)

// RedisFeed decorates a RecordStore with a cross-process change feed.
// Every write publishes "collection/id" on a Redis channel; Subscribe
// listens on that channel and re-reads the record on each matching event,
// so subscribers see writes made by any instance sharing the channel.
type RedisFeed struct {
	inner   RecordStore
	rdb     *redis.Client
	channel string
}

func NewRedisFeed(inner RecordStore, rdb *redis.Client, channel string) *RedisFeed {
	if channel == "" {
		channel = "classtest:records"
	}
	return &RedisFeed{inner: inner, rdb: rdb, channel: channel}
}

func (f *RedisFeed) Create(ctx context.Context, collection string, doc any) (string, error) {
	id, err := f.inner.Create(ctx, collection, doc)
	if err != nil {
		return "", err
	}
	f.publish(ctx, collection, id)
	return id, nil
}

func (f *RedisFeed) Get(ctx context.Context, collection, id string, out any) error {
	return f.inner.Get(ctx, collection, id, out)
}

func (f *RedisFeed) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	if err := f.inner.Update(ctx, collection, id, fields); err != nil {
		return err
	}
	f.publish(ctx, collection, id)
	return nil
}

func (f *RedisFeed) Query(ctx context.Context, collection string, filters []Filter, out any) error {
	return f.inner.Query(ctx, collection, filters, out)
}

func (f *RedisFeed) Subscribe(ctx context.Context, collection, id string, fn ChangeFunc) (func(), error) {
	want := collection + "/" + id
	sub := f.rdb.Subscribe(ctx, f.channel)

	go func() {
		for msg := range sub.Channel() {
			if msg.Payload != want {
				continue
			}
			var raw json.RawMessage
			if err := f.inner.Get(ctx, collection, id, &raw); err != nil {
				log.Printf("redisfeed: reload %s after change: %v", want, err)
				continue
			}
			fn(raw)
		}
	}()

	unsubscribe := func() {
		_ = sub.Close()
	}
	return unsubscribe, nil
}

func (f *RedisFeed) publish(ctx context.Context, collection, id string) {
	if err := f.rdb.Publish(ctx, f.channel, collection+"/"+id).Err(); err != nil {
		log.Printf("redisfeed: publish %s: %v", collection+"/"+id, err)
	}
}
