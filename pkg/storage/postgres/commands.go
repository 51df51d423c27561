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

type commandStore struct {
	s *Store
}

func (cs *commandStore) Upsert(ctx context.Context, command *model.Command) error {
	return cs.s.withRetry(ctx, "command upsert", func(ctx context.Context) error {
		if command.ID == 0 {
			_, err := cs.s.db.NewInsert().Model(command).Exec(ctx)
			return err
		}
		_, err := cs.s.db.NewUpdate().Model(command).WherePK().Exec(ctx)
		return err
	})
}

func (cs *commandStore) ByID(ctx context.Context, id int64) (*model.Command, error) {
	opCtx, cancel := cs.s.timeout(ctx)
	defer cancel()

	command := new(model.Command)
	err := cs.s.db.NewSelect().Model(command).Where("c.id = ?", id).Scan(opCtx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return command, nil
}

func (cs *commandStore) ListByDevice(ctx context.Context, deviceID int64) ([]*model.Command, error) {
	opCtx, cancel := cs.s.timeout(ctx)
	defer cancel()

	var commands []*model.Command
	err := cs.s.db.NewSelect().Model(&commands).
		Where("device_id = ?", deviceID).
		Order("created_at DESC").
		Scan(opCtx)
	if err != nil {
		return nil, err
	}
	return commands, nil
}

func (cs *commandStore) PopReady(ctx context.Context, limit int) ([]*model.Command, error) {
	opCtx, cancel := cs.s.timeout(ctx)
	defer cancel()

	var commands []*model.Command
	err := cs.s.db.NewSelect().Model(&commands).
		Where("status = ?", model.CommandQueued).
		Order("priority DESC", "queued_at ASC").
		Limit(limit).
		Scan(opCtx)
	if err != nil {
		return nil, err
	}
	return commands, nil
}

func (cs *commandStore) DueScheduled(ctx context.Context, now time.Time) ([]*model.ScheduledCommand, error) {
	opCtx, cancel := cs.s.timeout(ctx)
	defer cancel()

	var scheduled []*model.ScheduledCommand
	err := cs.s.db.NewSelect().Model(&scheduled).
		Where("done = FALSE").
		Where("scheduled_at <= ?", now).
		Order("scheduled_at ASC").
		Scan(opCtx)
	if err != nil {
		return nil, err
	}
	return scheduled, nil
}

func (cs *commandStore) UpdateScheduled(ctx context.Context, scheduled *model.ScheduledCommand) error {
	opCtx, cancel := cs.s.timeout(ctx)
	defer cancel()

	_, err := cs.s.db.NewUpdate().Model(scheduled).WherePK().Exec(opCtx)
	return err
}

func (cs *commandStore) TemplateByID(ctx context.Context, id int64) (*model.CommandTemplate, error) {
	opCtx, cancel := cs.s.timeout(ctx)
	defer cancel()

	template := new(model.CommandTemplate)
	err := cs.s.db.NewSelect().Model(template).Where("ct.id = ?", id).Scan(opCtx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return template, nil
}

func (cs *commandStore) SaveTemplate(ctx context.Context, template *model.CommandTemplate) error {
	opCtx, cancel := cs.s.timeout(ctx)
	defer cancel()

	if template.ID == 0 {
		_, err := cs.s.db.NewInsert().Model(template).Exec(opCtx)
		return err
	}
	_, err := cs.s.db.NewUpdate().Model(template).WherePK().Exec(opCtx)
	return err
}
