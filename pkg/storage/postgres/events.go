// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Tracknet (https://www.tracknet.io/).
// Copyright 2024-present Tracknet, Inc.

package postgres

import (
	"context"

	"github.com/uptrace/bun"

	"github.com/tracknet-io/tracknet/pkg/model"
	"github.com/tracknet-io/tracknet/pkg/storage"
)

type eventStore struct {
	s *Store
}

func (es *eventStore) Insert(ctx context.Context, event *model.Event) error {
	return es.s.withRetry(ctx, "event insert", func(ctx context.Context) error {
		_, err := es.s.db.NewInsert().Model(event).Exec(ctx)
		return err
	})
}

func (es *eventStore) Query(ctx context.Context, q storage.EventQuery) ([]*model.Event, error) {
	opCtx, cancel := es.s.timeout(ctx)
	defer cancel()

	var events []*model.Event
	sel := es.s.db.NewSelect().Model(&events).Order("event_time DESC")
	if q.DeviceID != 0 {
		sel = sel.Where("device_id = ?", q.DeviceID)
	}
	if len(q.Types) > 0 {
		sel = sel.Where("type IN (?)", bun.In(q.Types))
	}
	if !q.From.IsZero() {
		sel = sel.Where("event_time >= ?", q.From)
	}
	if !q.To.IsZero() {
		sel = sel.Where("event_time <= ?", q.To)
	}
	if q.Limit > 0 {
		sel = sel.Limit(q.Limit)
	}
	if err := sel.Scan(opCtx); err != nil {
		return nil, err
	}
	return events, nil
}
