// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Tracknet (https://www.tracknet.io/).
// Copyright 2024-present Tracknet, Inc.

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"

	"github.com/tracknet-io/tracknet/pkg/model"
	"github.com/tracknet-io/tracknet/pkg/storage"
)

type positionStore struct {
	s *Store
}

func (ps *positionStore) Insert(ctx context.Context, position *model.Position) error {
	return ps.s.withRetry(ctx, "position insert", func(ctx context.Context) error {
		_, err := ps.s.db.NewInsert().Model(position).Exec(ctx)
		return err
	})
}

func (ps *positionStore) Latest(ctx context.Context, deviceID int64) (*model.Position, error) {
	opCtx, cancel := ps.s.timeout(ctx)
	defer cancel()

	position := new(model.Position)
	err := ps.s.db.NewSelect().Model(position).
		Where("device_id = ?", deviceID).
		Order("server_time DESC").
		Limit(1).
		Scan(opCtx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return position, nil
}

func (ps *positionStore) LatestPerDevice(ctx context.Context, deviceIDs []int64) ([]*model.Position, error) {
	opCtx, cancel := ps.s.timeout(ctx)
	defer cancel()

	var positions []*model.Position
	q := ps.s.db.NewSelect().Model(&positions).
		DistinctOn("device_id").
		Where("device_id IS NOT NULL").
		Order("device_id", "server_time DESC")
	if len(deviceIDs) > 0 {
		q = q.Where("device_id IN (?)", bun.In(deviceIDs))
	}
	if err := q.Scan(opCtx); err != nil {
		return nil, err
	}
	return positions, nil
}

func (ps *positionStore) History(ctx context.Context, deviceID int64, from, to time.Time) ([]*model.Position, error) {
	opCtx, cancel := ps.s.timeout(ctx)
	defer cancel()

	var positions []*model.Position
	err := ps.s.db.NewSelect().Model(&positions).
		Where("device_id = ?", deviceID).
		Where("server_time >= ?", from).
		Where("server_time <= ?", to).
		Order("server_time ASC").
		Scan(opCtx)
	if err != nil {
		return nil, err
	}
	return positions, nil
}
