// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Tracknet (https://www.tracknet.io/).
// Copyright 2024-present Tracknet, Inc.

// Package rediscache is the write-through cache of latest positions plus the
// pub/sub channel the CRUD layer uses to invalidate the geofence cache.
package rediscache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v9"
	jsoniter "github.com/json-iterator/go"

	"github.com/tracknet-io/tracknet/pkg/model"
	"github.com/tracknet-io/tracknet/pkg/storage"
	"github.com/tracknet-io/tracknet/pkg/util/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	latestKeyPrefix  = "tracknet:latest:"
	geofenceChannel  = "tracknet:geofence:invalidate"
	defaultLatestTTL = 24 * time.Hour
)

// Cache wraps the redis client.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to the redis instance described by url and verifies the
// connection with a ping.
func New(ctx context.Context, url string) (*Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Cache{client: client, ttl: defaultLatestTTL}, nil
}

// Close releases the client.
func (c *Cache) Close() error {
	return c.client.Close()
}

// SetLatest stores the device's most recent position.
func (c *Cache) SetLatest(ctx context.Context, position *model.Position) error {
	if position.DeviceID == 0 {
		return nil
	}
	payload, err := json.Marshal(position)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s%d", latestKeyPrefix, position.DeviceID)
	return c.client.Set(ctx, key, payload, c.ttl).Err()
}

// Latest returns the cached most recent position for a device, or
// storage.ErrNotFound on a cache miss.
func (c *Cache) Latest(ctx context.Context, deviceID int64) (*model.Position, error) {
	key := fmt.Sprintf("%s%d", latestKeyPrefix, deviceID)
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	position := new(model.Position)
	if err := json.Unmarshal(payload, position); err != nil {
		return nil, err
	}
	return position, nil
}

// PublishGeofenceInvalidation notifies all nodes that the geofence set
// changed. The CRUD layer calls this after every geofence write.
func (c *Cache) PublishGeofenceInvalidation(ctx context.Context) error {
	return c.client.Publish(ctx, geofenceChannel, "reload").Err()
}

// SubscribeGeofenceInvalidation returns a channel that receives one value per
// invalidation message until ctx is done.
func (c *Cache) SubscribeGeofenceInvalidation(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)
	pubsub := c.client.Subscribe(ctx, geofenceChannel)

	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
					// A reload is already pending, collapsing notifications.
				}
			}
		}
	}()
	log.Debugf("Subscribed to %s", geofenceChannel)
	return out
}
