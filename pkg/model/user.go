// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Tracknet (https://www.tracknet.io/).
// Copyright 2024-present Tracknet, Inc.

package model

import (
	"github.com/uptrace/bun"
)

// User is an account the live hub can notify. Administrators see every
// device; other users see what their grants cover. Account management lives
// in the CRUD layer; the core only reads these rows.
type User struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID            int64  `bun:"id,pk,autoincrement" json:"id"`
	Name          string `bun:"name" json:"name"`
	Email         string `bun:"email,notnull,unique" json:"email"`
	Administrator bool   `bun:"administrator" json:"administrator"`
	Disabled      bool   `bun:"disabled" json:"disabled"`
}

// UserDevice grants one user direct access to one device.
type UserDevice struct {
	bun.BaseModel `bun:"table:user_devices,alias:udv"`

	UserID   int64 `bun:"user_id,pk" json:"userId"`
	DeviceID int64 `bun:"device_id,pk" json:"deviceId"`
}
