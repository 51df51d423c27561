// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Tracknet (https://www.tracknet.io/).
// Copyright 2024-present Tracknet, Inc.

package postgres

import (
	"context"

	"github.com/tracknet-io/tracknet/pkg/model"
)

type geofenceStore struct {
	s *Store
}

func (gs *geofenceStore) ListActive(ctx context.Context) ([]*model.Geofence, error) {
	opCtx, cancel := gs.s.timeout(ctx)
	defer cancel()

	var geofences []*model.Geofence
	err := gs.s.db.NewSelect().Model(&geofences).
		Where("disabled = FALSE").
		Order("id ASC").
		Scan(opCtx)
	if err != nil {
		return nil, err
	}
	return geofences, nil
}
