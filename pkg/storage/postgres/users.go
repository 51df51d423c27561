// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Tracknet (https://www.tracknet.io/).
// Copyright 2024-present Tracknet, Inc.

package postgres

import (
	"context"

	"github.com/tracknet-io/tracknet/pkg/model"
)

type userStore struct {
	s *Store
}

func (us *userStore) UsersWithDeviceAccess(ctx context.Context, deviceID int64) ([]int64, error) {
	opCtx, cancel := us.s.timeout(ctx)
	defer cancel()

	var ids []int64
	err := us.s.db.NewSelect().Model((*model.User)(nil)).
		Column("u.id").
		Where("u.disabled = FALSE").
		Where("(u.administrator = TRUE OR EXISTS (SELECT 1 FROM user_devices udv WHERE udv.user_id = u.id AND udv.device_id = ?))", deviceID).
		Order("u.id ASC").
		Scan(opCtx, &ids)
	if err != nil {
		return nil, err
	}
	return ids, nil
}
