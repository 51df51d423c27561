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

	"github.com/tracknet-io/tracknet/pkg/model"
	"github.com/tracknet-io/tracknet/pkg/storage"
)

type deviceStore struct {
	s *Store
}

func (ds *deviceStore) ByID(ctx context.Context, id int64) (*model.Device, error) {
	opCtx, cancel := ds.s.timeout(ctx)
	defer cancel()

	device := new(model.Device)
	err := ds.s.db.NewSelect().Model(device).Where("d.id = ?", id).Scan(opCtx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return device, nil
}

func (ds *deviceStore) ByUniqueID(ctx context.Context, uniqueID string) (*model.Device, error) {
	opCtx, cancel := ds.s.timeout(ctx)
	defer cancel()

	device := new(model.Device)
	err := ds.s.db.NewSelect().Model(device).Where("unique_id = ?", uniqueID).Scan(opCtx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return device, nil
}

// UpdateAccumulators writes the accumulator and state machine columns. The
// calling pipeline worker is the single writer for the device, so a plain
// column update is sufficient; the WHERE guard keeps the totals monotonic
// even if a stale worker slips through a restart.
func (ds *deviceStore) UpdateAccumulators(ctx context.Context, device *model.Device) error {
	return ds.s.withRetry(ctx, "device accumulator update", func(ctx context.Context) error {
		_, err := ds.s.db.NewUpdate().Model(device).
			Column("total_distance", "hours",
				"motion_state", "motion_streak", "motion_position_id", "motion_time", "motion_distance",
				"overspeed_state", "overspeed_time", "overspeed_geofence_id",
				"last_update").
			Where("d.id = ?", device.ID).
			Where("total_distance <= ?", device.TotalDistance).
			Where("hours <= ?", device.Hours).
			Exec(ctx)
		return err
	})
}

func (ds *deviceStore) UpdateStatus(ctx context.Context, id int64, status model.DeviceStatus, lastUpdate time.Time) error {
	return ds.s.withRetry(ctx, "device status update", func(ctx context.Context) error {
		_, err := ds.s.db.NewUpdate().Model((*model.Device)(nil)).
			Set("status = ?", status).
			Set("last_update = ?", lastUpdate).
			Where("id = ?", id).
			Exec(ctx)
		return err
	})
}

func (ds *deviceStore) UpsertUnknown(ctx context.Context, unknown *model.UnknownDevice) error {
	return ds.s.withRetry(ctx, "unknown device upsert", func(ctx context.Context) error {
		_, err := ds.s.db.NewInsert().Model(unknown).
			On("CONFLICT (unique_id) DO UPDATE").
			Set("last_seen = EXCLUDED.last_seen").
			Set("protocol = EXCLUDED.protocol").
			Set("port = EXCLUDED.port").
			Set("transport = EXCLUDED.transport").
			Returning("id").
			Exec(ctx)
		return err
	})
}

func (ds *deviceStore) MarkRegistered(ctx context.Context, uniqueID string, deviceID int64) error {
	opCtx, cancel := ds.s.timeout(ctx)
	defer cancel()

	_, err := ds.s.db.NewUpdate().Model((*model.UnknownDevice)(nil)).
		Set("is_registered = TRUE").
		Set("registered_device_id = ?", deviceID).
		Where("unique_id = ?", uniqueID).
		Exec(opCtx)
	return err
}
