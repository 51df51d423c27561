// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Tracknet (https://www.tracknet.io/).
// Copyright 2024-present Tracknet, Inc.

package model

import (
	"time"

	"github.com/uptrace/bun"
)

// Command types understood by at least one protocol encoder.
const (
	CommandReboot       = "REBOOT"
	CommandSetInterval  = "SETINTERVAL"
	CommandSetOverspeed = "SETOVERSPEED"
	CommandSetGeofence  = "SETGEOFENCE"
	CommandSetOutput    = "SETOUTPUT"
	CommandEngineStop   = "ENGINESTOP"
	CommandEngineResume = "ENGINERESUME"
	CommandPositionSingle = "POSITIONSINGLE"
	CommandCustom       = "CUSTOM"
)

// CommandPriority orders queue scheduling: CRITICAL > HIGH > NORMAL > LOW.
type CommandPriority int

const (
	PriorityLow CommandPriority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// CommandStatus is the delivery lifecycle state.
type CommandStatus string

const (
	CommandPending   CommandStatus = "PENDING"
	CommandQueued    CommandStatus = "QUEUED"
	CommandSent      CommandStatus = "SENT"
	CommandDelivered CommandStatus = "DELIVERED"
	CommandExecuted  CommandStatus = "EXECUTED"
	CommandFailed    CommandStatus = "FAILED"
	CommandCancelled CommandStatus = "CANCELLED"
	CommandExpired   CommandStatus = "EXPIRED"
)

// Terminal reports whether no further transitions are allowed from s.
// FAILED is terminal only once retries are exhausted; that is enforced by
// the engine, not here.
func (s CommandStatus) Terminal() bool {
	switch s {
	case CommandExecuted, CommandCancelled, CommandExpired:
		return true
	}
	return false
}

// CanTransition enforces the allowed status flow.
func (s CommandStatus) CanTransition(to CommandStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case CommandPending:
		return to == CommandQueued || to == CommandCancelled || to == CommandExpired
	case CommandQueued:
		return to == CommandSent || to == CommandCancelled || to == CommandExpired || to == CommandFailed
	case CommandSent:
		return to == CommandDelivered || to == CommandFailed || to == CommandCancelled || to == CommandExpired
	case CommandDelivered:
		return to == CommandExecuted || to == CommandFailed || to == CommandCancelled
	case CommandFailed:
		return to == CommandQueued || to == CommandExpired || to == CommandCancelled
	}
	return false
}

// Command is an operator-submitted instruction for a device.
type Command struct {
	bun.BaseModel `bun:"table:commands,alias:c"`

	ID          int64           `bun:"id,pk,autoincrement" json:"id"`
	DeviceID    int64           `bun:"device_id,notnull" json:"deviceId"`
	UserID      int64           `bun:"user_id,nullzero" json:"userId,omitempty"`
	Type        string          `bun:"type,notnull" json:"type"`
	Priority    CommandPriority `bun:"priority" json:"priority"`
	Status      CommandStatus   `bun:"status,notnull" json:"status"`
	Parameters  Attributes      `bun:"parameters,type:jsonb" json:"parameters,omitempty"`
	RawCommand  []byte          `bun:"raw_command" json:"-"`
	TextChannel bool            `bun:"text_channel" json:"textChannel"`

	CreatedAt   time.Time  `bun:"created_at,notnull" json:"createdAt"`
	QueuedAt    *time.Time `bun:"queued_at" json:"queuedAt,omitempty"`
	SentAt      *time.Time `bun:"sent_at" json:"sentAt,omitempty"`
	DeliveredAt *time.Time `bun:"delivered_at" json:"deliveredAt,omitempty"`
	ExecutedAt  *time.Time `bun:"executed_at" json:"executedAt,omitempty"`
	ExpiresAt   *time.Time `bun:"expires_at" json:"expiresAt,omitempty"`

	RetryCount int    `bun:"retry_count" json:"retryCount"`
	MaxRetries int    `bun:"max_retries" json:"maxRetries"`
	Response   string `bun:"response" json:"response,omitempty"`
	Error      string `bun:"error" json:"error,omitempty"`
}

// Expired reports whether the command's deadline has passed. A deadline of
// exactly now counts as expired.
func (c *Command) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// ScheduledCommand arms a command for future (optionally repeated) delivery.
type ScheduledCommand struct {
	bun.BaseModel `bun:"table:scheduled_commands,alias:sc"`

	ID             int64         `bun:"id,pk,autoincrement" json:"id"`
	CommandID      int64         `bun:"command_id,notnull" json:"commandId"`
	ScheduledAt    time.Time     `bun:"scheduled_at,notnull" json:"scheduledAt"`
	RepeatInterval time.Duration `bun:"repeat_interval" json:"repeatInterval,omitempty"`
	MaxRepeats     int           `bun:"max_repeats" json:"maxRepeats,omitempty"`
	Repeats        int           `bun:"repeats" json:"repeats"`
	Done           bool          `bun:"done" json:"done"`
}

// CommandTemplate is a reusable parameter blueprint for commands.
type CommandTemplate struct {
	bun.BaseModel `bun:"table:command_templates,alias:ct"`

	ID         int64           `bun:"id,pk,autoincrement" json:"id"`
	Name       string          `bun:"name,notnull" json:"name"`
	Type       string          `bun:"type,notnull" json:"type"`
	Priority   CommandPriority `bun:"priority" json:"priority"`
	Parameters Attributes      `bun:"parameters,type:jsonb" json:"parameters,omitempty"`
	UseCount   int64           `bun:"use_count" json:"useCount"`
}

// Instantiate produces a fresh command from the template and bumps its usage
// counter.
func (t *CommandTemplate) Instantiate(deviceID, userID int64, now time.Time) *Command {
	t.UseCount++
	return &Command{
		DeviceID:   deviceID,
		UserID:     userID,
		Type:       t.Type,
		Priority:   t.Priority,
		Parameters: t.Parameters.Copy(),
		Status:     CommandPending,
		CreatedAt:  now,
	}
}
