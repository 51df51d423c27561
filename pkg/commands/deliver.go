// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Tracknet (https://www.tracknet.io/).
// Copyright 2024-present Tracknet, Inc.

package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/tracknet-io/tracknet/pkg/model"
	"github.com/tracknet-io/tracknet/pkg/protocols"
	"github.com/tracknet-io/tracknet/pkg/telemetry"
	"github.com/tracknet-io/tracknet/pkg/util/log"
)

// ErrTerminal is returned when an operation targets a command in a terminal
// status.
var ErrTerminal = errors.New("command is in a terminal status")

// Submit validates and enqueues a new command, then offers it for immediate
// delivery.
func (e *Engine) Submit(ctx context.Context, cmd *model.Command) error {
	if cmd.DeviceID == 0 {
		return fmt.Errorf("command has no device")
	}
	now := e.clk.Now().UTC()
	if cmd.Status == "" {
		cmd.Status = model.CommandPending
	}
	if cmd.MaxRetries == 0 {
		cmd.MaxRetries = e.cfg.DefaultMaxRetries
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = now
	}
	if !cmd.Status.CanTransition(model.CommandQueued) {
		return ErrTerminal
	}
	cmd.Status = model.CommandQueued
	cmd.QueuedAt = &now
	if err := e.store.Upsert(ctx, cmd); err != nil {
		return fmt.Errorf("enqueueing command: %w", err)
	}
	e.offer(cmd)
	return nil
}

// SubmitFromTemplate instantiates a command template for a device and
// enqueues the result.
func (e *Engine) SubmitFromTemplate(ctx context.Context, templateID, deviceID, userID int64) (*model.Command, error) {
	template, err := e.store.TemplateByID(ctx, templateID)
	if err != nil {
		return nil, err
	}
	cmd := template.Instantiate(deviceID, userID, e.clk.Now().UTC())
	if err := e.store.SaveTemplate(ctx, template); err != nil {
		log.Warnf("Bumping use count for template %d failed: %v", templateID, err) //nolint:errcheck
	}
	if err := e.Submit(ctx, cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

// Cancel aborts a non-terminal command. An in-flight delivery attempt checks
// the cancellation flag before its next send.
func (e *Engine) Cancel(ctx context.Context, id int64) error {
	cmd, err := e.store.ByID(ctx, id)
	if err != nil {
		return err
	}
	if !cmd.Status.CanTransition(model.CommandCancelled) {
		return ErrTerminal
	}
	e.mu.Lock()
	e.cancelled[id] = true
	var hadPending bool
	if p, ok := e.pending[cmd.DeviceID]; ok && p.command.ID == id {
		p.timer.Stop()
		delete(e.pending, cmd.DeviceID)
		hadPending = true
	}
	e.mu.Unlock()
	if hadPending {
		e.semFor(cmd.DeviceID).Release(1)
	}

	cmd.Status = model.CommandCancelled
	telemetry.CommandsSent.WithLabelValues("cancelled").Inc()
	return e.store.Upsert(ctx, cmd)
}

// Retry re-queues a failed command at the operator's request.
func (e *Engine) Retry(ctx context.Context, id int64) error {
	cmd, err := e.store.ByID(ctx, id)
	if err != nil {
		return err
	}
	if cmd.Status != model.CommandFailed {
		return fmt.Errorf("only failed commands can be retried (status %s)", cmd.Status)
	}
	e.mu.Lock()
	delete(e.cancelled, id)
	e.mu.Unlock()
	now := e.clk.Now().UTC()
	cmd.Status = model.CommandQueued
	cmd.QueuedAt = &now
	if err := e.store.Upsert(ctx, cmd); err != nil {
		return err
	}
	e.offer(cmd)
	return nil
}

// deliver runs one delivery attempt for a popped command.
func (e *Engine) deliver(ctx context.Context, cmd *model.Command) {
	defer e.clearInflight(cmd.ID)
	now := e.clk.Now().UTC()

	e.mu.Lock()
	aborted := e.cancelled[cmd.ID]
	e.mu.Unlock()
	if aborted || cmd.Status != model.CommandQueued {
		return
	}

	if cmd.Expired(now) {
		cmd.Status = model.CommandExpired
		telemetry.CommandsSent.WithLabelValues("expired").Inc()
		e.upsert(ctx, cmd)
		return
	}

	device, err := e.devices.ByID(ctx, cmd.DeviceID)
	if err != nil {
		log.Errorf("Loading device %d for command %d failed: %v", cmd.DeviceID, cmd.ID, err) //nolint:errcheck
		return
	}

	sess := e.registry.LookupByDevice(cmd.DeviceID)
	if cmd.TextChannel || sess == nil {
		if e.trySms(ctx, cmd, device) {
			return
		}
		if sess == nil {
			// Left QUEUED; the pump re-pops it after the session backoff.
			log.Debugf("No session for device %d, command %d stays queued", cmd.DeviceID, cmd.ID)
			return
		}
	}

	proto, ok := e.source.Get(sess.Protocol)
	if !ok {
		e.fail(ctx, cmd, fmt.Sprintf("no protocol %q registered", sess.Protocol), false)
		return
	}
	payload, err := proto.EncodeCommand(cmd, device)
	if err != nil {
		if errors.Is(err, protocols.ErrCommandUnsupported) {
			cmd.Status = model.CommandFailed
			cmd.Error = fmt.Sprintf("command %s not supported by %s", cmd.Type, sess.Protocol)
			cmd.RetryCount = cmd.MaxRetries
			telemetry.CommandsSent.WithLabelValues("unsupported").Inc()
			e.upsert(ctx, cmd)
			return
		}
		e.fail(ctx, cmd, fmt.Sprintf("encode: %v", err), true)
		return
	}

	sem := e.semFor(cmd.DeviceID)
	if !sem.TryAcquire(1) {
		// Another command is in flight for this device; stay QUEUED.
		return
	}

	cmd.RawCommand = payload
	if err := sess.Send(payload); err != nil {
		sem.Release(1)
		e.fail(ctx, cmd, fmt.Sprintf("send: %v", err), true)
		return
	}

	cmd.Status = model.CommandSent
	cmd.SentAt = &now
	telemetry.CommandsSent.WithLabelValues("sent").Inc()
	e.upsert(ctx, cmd)

	e.mu.Lock()
	e.pending[cmd.DeviceID] = &pendingAck{
		command:  cmd,
		sequence: int(cmd.ID & 0xFFFF),
		timer: e.clk.AfterFunc(e.cfg.AckTimeout, func() {
			e.ackTimeout(cmd.DeviceID, cmd.ID)
		}),
	}
	e.mu.Unlock()
}

// trySms attempts SMS fallback delivery. Returns true when the command was
// consumed by the text channel.
func (e *Engine) trySms(ctx context.Context, cmd *model.Command, device *model.Device) bool {
	if e.sms == nil || device.Phone == "" {
		return false
	}
	if !cmd.TextChannel && e.registry.LookupByDevice(cmd.DeviceID) != nil {
		return false
	}
	body := smsBody(cmd)
	if err := e.sms.Send(ctx, device.Phone, body); err != nil {
		e.fail(ctx, cmd, fmt.Sprintf("sms: %v", err), true)
		return true
	}
	now := e.clk.Now().UTC()
	cmd.RawCommand = []byte(body)
	cmd.Status = model.CommandSent
	cmd.SentAt = &now
	telemetry.CommandsSent.WithLabelValues("sms").Inc()
	e.upsert(ctx, cmd)
	return true
}

// smsBody renders the generic text form of a command.
func smsBody(cmd *model.Command) string {
	switch cmd.Type {
	case model.CommandReboot:
		return "RESET"
	case model.CommandEngineStop:
		return "STOP"
	case model.CommandEngineResume:
		return "RESUME"
	case model.CommandSetInterval:
		return fmt.Sprintf("INTERVAL %d", cmd.Parameters.Int("interval", 60))
	case model.CommandCustom:
		return cmd.Parameters.String("data", "")
	default:
		return cmd.Type
	}
}

// IngestCommandAck implements protocols.AckSink. Correlation is by device,
// with the echoed sequence checked when the protocol carries one.
func (e *Engine) IngestCommandAck(ctx context.Context, deviceID int64, ack protocols.CommandAck) {
	e.mu.Lock()
	p, ok := e.pending[deviceID]
	if ok && ack.Sequence != 0 && p.sequence != 0 && ack.Sequence != p.sequence {
		log.Debugf("Ack sequence %d does not match pending command %d for device %d, accepting by device",
			ack.Sequence, p.command.ID, deviceID)
	}
	// A successful delivery-only ack keeps the command pending: the device
	// slot stays held and the timer re-arms for the execution result.
	final := ok && (ack.Result || !ack.Success)
	if ok {
		p.timer.Stop()
		if final {
			delete(e.pending, deviceID)
		} else {
			commandID := p.command.ID
			p.timer = e.clk.AfterFunc(e.cfg.AckTimeout, func() {
				e.ackTimeout(deviceID, commandID)
			})
		}
	}
	e.mu.Unlock()
	if !ok {
		log.Debugf("Unmatched command ack from device %d: %q", deviceID, ack.Message)
		return
	}

	cmd := p.command
	now := e.clk.Now().UTC()
	if cmd.Status == model.CommandSent {
		cmd.Status = model.CommandDelivered
		cmd.DeliveredAt = &now
	}
	if ack.Message != "" {
		cmd.Response = ack.Message
	}

	if !ack.Success {
		e.semFor(deviceID).Release(1)
		e.upsert(ctx, cmd)
		e.fail(ctx, cmd, "device rejected command", true)
		return
	}

	if !ack.Result {
		telemetry.CommandsSent.WithLabelValues("delivered").Inc()
		e.upsert(ctx, cmd)
		return
	}

	e.semFor(deviceID).Release(1)
	cmd.Status = model.CommandExecuted
	cmd.ExecutedAt = &now
	telemetry.CommandsSent.WithLabelValues("executed").Inc()
	e.upsert(ctx, cmd)

	if e.dispatcher != nil {
		ev := model.NewEvent(model.EventCommandResult, deviceID, now)
		ev.Attributes[model.AttrType] = cmd.Type
		ev.Attributes[model.AttrResult] = ack.Message
		if err := e.dispatcher.Dispatch(ctx, nil, nil, []*model.Event{ev}); err != nil {
			log.Warnf("Dispatching commandResult for command %d failed: %v", cmd.ID, err) //nolint:errcheck
		}
	}
}

// ackTimeout fires when a sent command was never acknowledged.
func (e *Engine) ackTimeout(deviceID, commandID int64) {
	e.mu.Lock()
	p, ok := e.pending[deviceID]
	if !ok || p.command.ID != commandID {
		e.mu.Unlock()
		return
	}
	delete(e.pending, deviceID)
	e.mu.Unlock()
	e.semFor(deviceID).Release(1)

	log.Warnf("Command %d for device %d timed out waiting for ack", commandID, deviceID) //nolint:errcheck
	e.fail(context.Background(), p.command, "ack timeout", true)
}

// fail marks a delivery attempt failed and, when retry is allowed and the
// budget remains, re-queues the command after an exponential backoff
// (base doubling per attempt, capped).
func (e *Engine) fail(ctx context.Context, cmd *model.Command, reason string, retry bool) {
	now := e.clk.Now().UTC()
	cmd.Status = model.CommandFailed
	cmd.Error = reason
	cmd.RetryCount++
	telemetry.CommandsSent.WithLabelValues("failed").Inc()
	e.upsert(ctx, cmd)

	if !retry || cmd.RetryCount >= cmd.MaxRetries || cmd.Expired(now) {
		log.Infof("Command %d for device %d failed terminally: %s", cmd.ID, cmd.DeviceID, reason)
		return
	}

	delay := e.cfg.RetryBase
	for i := 1; i < cmd.RetryCount; i++ {
		delay *= 2
		if delay >= e.cfg.RetryCap {
			delay = e.cfg.RetryCap
			break
		}
	}
	log.Infof("Command %d for device %d failed (%s), retry %d/%d in %s",
		cmd.ID, cmd.DeviceID, reason, cmd.RetryCount, cmd.MaxRetries, delay)

	id := cmd.ID
	e.clk.AfterFunc(delay, func() {
		e.requeue(id)
	})
}

// requeue moves a failed command back to QUEUED once its backoff elapses.
func (e *Engine) requeue(id int64) {
	ctx := context.Background()
	cmd, err := e.store.ByID(ctx, id)
	if err != nil {
		log.Warnf("Reloading command %d for requeue failed: %v", id, err) //nolint:errcheck
		return
	}
	if !cmd.Status.CanTransition(model.CommandQueued) {
		return
	}
	e.mu.Lock()
	aborted := e.cancelled[id]
	e.mu.Unlock()
	if aborted {
		return
	}
	now := e.clk.Now().UTC()
	cmd.Status = model.CommandQueued
	cmd.QueuedAt = &now
	e.upsert(ctx, cmd)
	e.offer(cmd)
}

// sweepScheduled fires due scheduled commands and re-arms repeating ones.
func (e *Engine) sweepScheduled() {
	ctx := context.Background()
	now := e.clk.Now().UTC()
	due, err := e.store.DueScheduled(ctx, now)
	if err != nil {
		log.Errorf("Listing due scheduled commands failed: %v", err) //nolint:errcheck
		return
	}
	for _, sc := range due {
		base, err := e.store.ByID(ctx, sc.CommandID)
		if err != nil {
			log.Warnf("Scheduled command %d references missing command %d: %v", sc.ID, sc.CommandID, err) //nolint:errcheck
			continue
		}
		clone := &model.Command{
			DeviceID:   base.DeviceID,
			UserID:     base.UserID,
			Type:       base.Type,
			Priority:   base.Priority,
			Parameters: base.Parameters.Copy(),
			MaxRetries: base.MaxRetries,
			ExpiresAt:  base.ExpiresAt,
		}
		if err := e.Submit(ctx, clone); err != nil {
			log.Warnf("Submitting scheduled command %d failed: %v", sc.ID, err) //nolint:errcheck
			continue
		}

		sc.Repeats++
		if sc.RepeatInterval > 0 && (sc.MaxRepeats == 0 || sc.Repeats < sc.MaxRepeats) {
			sc.ScheduledAt = sc.ScheduledAt.Add(sc.RepeatInterval)
		} else {
			sc.Done = true
		}
		if err := e.store.UpdateScheduled(ctx, sc); err != nil {
			log.Warnf("Re-arming scheduled command %d failed: %v", sc.ID, err) //nolint:errcheck
		}
	}
}

func (e *Engine) upsert(ctx context.Context, cmd *model.Command) {
	if err := e.store.Upsert(ctx, cmd); err != nil {
		log.Errorf("Persisting command %d failed: %v", cmd.ID, err) //nolint:errcheck
	}
}
