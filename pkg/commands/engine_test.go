// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Tracknet (https://www.tracknet.io/).
// Copyright 2024-present Tracknet, Inc.

package commands

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracknet-io/tracknet/pkg/events"
	"github.com/tracknet-io/tracknet/pkg/model"
	"github.com/tracknet-io/tracknet/pkg/protocols"
	"github.com/tracknet-io/tracknet/pkg/session"
	"github.com/tracknet-io/tracknet/pkg/storage"
	"github.com/tracknet-io/tracknet/pkg/storage/memory"
)

// stubProtocol encodes every supported command as its type string.
type stubProtocol struct {
	encodeErr error
}

func (stubProtocol) Name() string                { return "gt06" }
func (stubProtocol) NewFramer() protocols.Framer { return nil }
func (stubProtocol) Decode([]byte, *session.Session) ([]protocols.Decoded, error) {
	return nil, nil
}

func (s stubProtocol) EncodeCommand(cmd *model.Command, _ *model.Device) ([]byte, error) {
	if s.encodeErr != nil {
		return nil, s.encodeErr
	}
	return []byte("CMD:" + cmd.Type), nil
}

type stubSource struct {
	proto protocols.Protocol
}

func (s stubSource) Get(string) (protocols.Protocol, bool) { return s.proto, s.proto != nil }

type smsStub struct {
	sent []string
	err  error
}

func (s *smsStub) Send(_ context.Context, phone, body string) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, phone+":"+body)
	return nil
}

type engineFixture struct {
	engine *Engine
	store  *memory.Store
	clk    *clock.Mock
	sms    *smsStub
}

func newEngineFixture(t *testing.T, cfg Config, proto protocols.Protocol) *engineFixture {
	t.Helper()
	store := memory.New()
	clk := clock.NewMock()
	clk.Set(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	sms := &smsStub{}
	dispatcher := events.NewDispatcher(store.Events(), nil, nil)
	engine := New(store.Commands(), store.Devices(), session.NewRegistry(),
		stubSource{proto: proto}, dispatcher, sms, clk, cfg)
	return &engineFixture{engine: engine, store: store, clk: clk, sms: sms}
}

// bindSession attaches a live fake transport for the device and returns the
// capture slice.
func (f *engineFixture) bindSession(deviceID int64, uniqueID string) *[][]byte {
	var writes [][]byte
	sess := session.New("gt06", "tcp", "10.0.0.1:42010", "10.0.0.1:42010", func(b []byte) error {
		writes = append(writes, b)
		return nil
	}, nil)
	sess.SetIdentity(deviceID, uniqueID)
	f.engine.registry.Bind(sess, deviceID)
	return &writes
}

// deliverNext pops one offered command and runs a delivery attempt, the way a
// worker would.
func (f *engineFixture) deliverNext(t *testing.T) {
	t.Helper()
	select {
	case cmd := <-f.engine.highPrio:
		f.engine.deliver(context.Background(), cmd)
	default:
		select {
		case cmd := <-f.engine.lowPrio:
			f.engine.deliver(context.Background(), cmd)
		default:
			t.Fatal("no command offered")
		}
	}
}

func TestSubmitDefaults(t *testing.T) {
	f := newEngineFixture(t, Config{}, stubProtocol{})
	cmd := &model.Command{DeviceID: 7, Type: model.CommandReboot}

	require.NoError(t, f.engine.Submit(context.Background(), cmd))
	assert.Equal(t, model.CommandQueued, cmd.Status)
	assert.NotZero(t, cmd.ID)
	assert.Equal(t, 3, cmd.MaxRetries)
	require.NotNil(t, cmd.QueuedAt)

	stored, err := f.store.Commands().ByID(context.Background(), cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CommandQueued, stored.Status)

	assert.Error(t, f.engine.Submit(context.Background(), &model.Command{Type: model.CommandReboot}))
}

func TestDeliveryAndAck(t *testing.T) {
	f := newEngineFixture(t, Config{}, stubProtocol{})
	device := f.store.AddDevice(&model.Device{UniqueID: "123456789012345"})
	writes := f.bindSession(device.ID, device.UniqueID)

	cmd := &model.Command{DeviceID: device.ID, Type: model.CommandSetInterval}
	require.NoError(t, f.engine.Submit(context.Background(), cmd))
	f.deliverNext(t)

	assert.Equal(t, model.CommandSent, cmd.Status)
	require.NotNil(t, cmd.SentAt)
	require.Len(t, *writes, 1)
	assert.Equal(t, "CMD:SETINTERVAL", string((*writes)[0]))

	f.clk.Add(time.Second)
	f.engine.IngestCommandAck(context.Background(), device.ID, protocols.CommandAck{
		Sequence: int(cmd.ID & 0xFFFF),
		Success:  true,
		Result:   true,
		Message:  "OK",
	})

	assert.Equal(t, model.CommandExecuted, cmd.Status)
	assert.Equal(t, "OK", cmd.Response)
	require.NotNil(t, cmd.DeliveredAt)
	require.NotNil(t, cmd.ExecutedAt)

	evts, err := f.store.Events().Query(context.Background(),
		storage.EventQuery{Types: []string{model.EventCommandResult}})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, model.CommandSetInterval, evts[0].Attributes.String(model.AttrType, ""))

	// The per-device slot is free again.
	next := &model.Command{DeviceID: device.ID, Type: model.CommandReboot}
	require.NoError(t, f.engine.Submit(context.Background(), next))
	f.deliverNext(t)
	assert.Equal(t, model.CommandSent, next.Status)
}

func TestDeliveryAckPrecedesExecution(t *testing.T) {
	f := newEngineFixture(t, Config{AckTimeout: 60 * time.Second}, stubProtocol{})
	device := f.store.AddDevice(&model.Device{UniqueID: "907126119"})
	writes := f.bindSession(device.ID, device.UniqueID)

	cmd := &model.Command{DeviceID: device.ID, Type: model.CommandReboot}
	require.NoError(t, f.engine.Submit(context.Background(), cmd))
	f.deliverNext(t)
	require.Equal(t, model.CommandSent, cmd.Status)

	// The device echoes the instruction: delivered, not yet executed.
	f.engine.IngestCommandAck(context.Background(), device.ID, protocols.CommandAck{Success: true, Message: "echo"})
	assert.Equal(t, model.CommandDelivered, cmd.Status)
	require.NotNil(t, cmd.DeliveredAt)
	assert.Nil(t, cmd.ExecutedAt)

	// The device slot stays held until the execution result lands.
	blocked := &model.Command{DeviceID: device.ID, Type: model.CommandSetInterval}
	require.NoError(t, f.engine.Submit(context.Background(), blocked))
	f.deliverNext(t)
	assert.Equal(t, model.CommandQueued, blocked.Status)
	assert.Len(t, *writes, 1)

	f.engine.IngestCommandAck(context.Background(), device.ID, protocols.CommandAck{Success: true, Result: true, Message: "done"})
	assert.Equal(t, model.CommandExecuted, cmd.Status)
	assert.Equal(t, "done", cmd.Response)
	require.NotNil(t, cmd.ExecutedAt)

	// Slot released: the pump re-pops the queued command and it goes out.
	f.engine.offer(blocked)
	f.deliverNext(t)
	assert.Equal(t, model.CommandSent, blocked.Status)
	assert.Len(t, *writes, 2)
}

func TestDeliveredThenAckTimeoutFails(t *testing.T) {
	f := newEngineFixture(t, Config{AckTimeout: 60 * time.Second, RetryBase: 30 * time.Second}, stubProtocol{})
	device := f.store.AddDevice(&model.Device{UniqueID: "907126119"})
	f.bindSession(device.ID, device.UniqueID)

	cmd := &model.Command{DeviceID: device.ID, Type: model.CommandReboot}
	require.NoError(t, f.engine.Submit(context.Background(), cmd))
	f.deliverNext(t)

	f.clk.Add(30 * time.Second)
	f.engine.IngestCommandAck(context.Background(), device.ID, protocols.CommandAck{Success: true})
	require.Equal(t, model.CommandDelivered, cmd.Status)

	// The ack window re-arms on the echo; an execution result never arriving
	// still fails the attempt.
	f.clk.Add(61 * time.Second)
	assert.Equal(t, model.CommandFailed, cmd.Status)
	assert.Equal(t, "ack timeout", cmd.Error)
}

func TestAckSequenceMismatchAcceptedByDevice(t *testing.T) {
	f := newEngineFixture(t, Config{}, stubProtocol{})
	device := f.store.AddDevice(&model.Device{UniqueID: "123456789012345"})
	f.bindSession(device.ID, device.UniqueID)

	cmd := &model.Command{DeviceID: device.ID, Type: model.CommandReboot}
	require.NoError(t, f.engine.Submit(context.Background(), cmd))
	f.deliverNext(t)

	f.engine.IngestCommandAck(context.Background(), device.ID, protocols.CommandAck{
		Sequence: 9999,
		Success:  true,
		Result:   true,
	})
	assert.Equal(t, model.CommandExecuted, cmd.Status)
}

func TestAckTimeoutRetries(t *testing.T) {
	f := newEngineFixture(t, Config{AckTimeout: 60 * time.Second, RetryBase: 30 * time.Second}, stubProtocol{})
	device := f.store.AddDevice(&model.Device{UniqueID: "123456789012345"})
	writes := f.bindSession(device.ID, device.UniqueID)

	cmd := &model.Command{DeviceID: device.ID, Type: model.CommandReboot}
	require.NoError(t, f.engine.Submit(context.Background(), cmd))
	f.deliverNext(t)
	require.Equal(t, model.CommandSent, cmd.Status)

	// No ack inside the window: the attempt fails and a backoff retry arms.
	f.clk.Add(61 * time.Second)
	assert.Equal(t, model.CommandFailed, cmd.Status)
	assert.Equal(t, 1, cmd.RetryCount)
	assert.Equal(t, "ack timeout", cmd.Error)

	// Backoff elapses: re-queued and re-offered.
	f.clk.Add(30 * time.Second)
	assert.Equal(t, model.CommandQueued, cmd.Status)
	f.deliverNext(t)
	assert.Equal(t, model.CommandSent, cmd.Status)
	assert.Len(t, *writes, 2)

	f.engine.IngestCommandAck(context.Background(), device.ID, protocols.CommandAck{Success: true, Result: true})
	assert.Equal(t, model.CommandExecuted, cmd.Status)
}

func TestRetriesExhaust(t *testing.T) {
	f := newEngineFixture(t, Config{AckTimeout: 60 * time.Second}, stubProtocol{})
	device := f.store.AddDevice(&model.Device{UniqueID: "123456789012345"})
	f.bindSession(device.ID, device.UniqueID)

	cmd := &model.Command{DeviceID: device.ID, Type: model.CommandReboot, MaxRetries: 1}
	require.NoError(t, f.engine.Submit(context.Background(), cmd))
	f.deliverNext(t)

	f.clk.Add(61 * time.Second)
	assert.Equal(t, model.CommandFailed, cmd.Status)
	assert.Equal(t, 1, cmd.RetryCount)

	// Budget exhausted: no retry is armed.
	f.clk.Add(time.Hour)
	assert.Equal(t, model.CommandFailed, cmd.Status)

	// The operator can still force a retry.
	require.NoError(t, f.engine.Retry(context.Background(), cmd.ID))
	assert.Equal(t, model.CommandQueued, cmd.Status)
	f.deliverNext(t)
	assert.Equal(t, model.CommandSent, cmd.Status)
}

func TestNoSessionStaysQueued(t *testing.T) {
	f := newEngineFixture(t, Config{}, stubProtocol{})
	f.store.AddDevice(&model.Device{ID: 7, UniqueID: "123456789012345"})

	cmd := &model.Command{DeviceID: 7, Type: model.CommandReboot}
	require.NoError(t, f.engine.Submit(context.Background(), cmd))
	f.deliverNext(t)

	// No transport and no SMS phone: left for the next pump pass.
	assert.Equal(t, model.CommandQueued, cmd.Status)
	assert.Equal(t, 0, cmd.RetryCount)
}

func TestExpiredBeforeDelivery(t *testing.T) {
	f := newEngineFixture(t, Config{}, stubProtocol{})
	f.store.AddDevice(&model.Device{ID: 7, UniqueID: "123456789012345"})

	deadline := f.clk.Now().UTC()
	cmd := &model.Command{DeviceID: 7, Type: model.CommandReboot, ExpiresAt: &deadline}
	require.NoError(t, f.engine.Submit(context.Background(), cmd))
	f.deliverNext(t)

	assert.Equal(t, model.CommandExpired, cmd.Status)
}

func TestCancel(t *testing.T) {
	f := newEngineFixture(t, Config{AckTimeout: 60 * time.Second}, stubProtocol{})
	device := f.store.AddDevice(&model.Device{UniqueID: "123456789012345"})
	f.bindSession(device.ID, device.UniqueID)

	// Cancelling a sent command stops the ack wait and frees the device slot.
	sent := &model.Command{DeviceID: device.ID, Type: model.CommandReboot}
	require.NoError(t, f.engine.Submit(context.Background(), sent))
	f.deliverNext(t)
	require.Equal(t, model.CommandSent, sent.Status)

	require.NoError(t, f.engine.Cancel(context.Background(), sent.ID))
	assert.Equal(t, model.CommandCancelled, sent.Status)

	next := &model.Command{DeviceID: device.ID, Type: model.CommandReboot}
	require.NoError(t, f.engine.Submit(context.Background(), next))
	f.deliverNext(t)
	assert.Equal(t, model.CommandSent, next.Status)

	// Terminal commands cannot be cancelled again.
	require.NoError(t, f.engine.Cancel(context.Background(), next.ID))
	assert.Equal(t, ErrTerminal, f.engine.Cancel(context.Background(), next.ID))

	assert.Equal(t, storage.ErrNotFound, f.engine.Cancel(context.Background(), 9999))
}

func TestCancelledBeforeDeliveryAttempt(t *testing.T) {
	f := newEngineFixture(t, Config{}, stubProtocol{})
	device := f.store.AddDevice(&model.Device{UniqueID: "123456789012345"})
	writes := f.bindSession(device.ID, device.UniqueID)

	cmd := &model.Command{DeviceID: device.ID, Type: model.CommandReboot}
	require.NoError(t, f.engine.Submit(context.Background(), cmd))
	require.NoError(t, f.engine.Cancel(context.Background(), cmd.ID))

	f.deliverNext(t)
	assert.Equal(t, model.CommandCancelled, cmd.Status)
	assert.Empty(t, *writes)
}

func TestUnsupportedCommandFailsTerminally(t *testing.T) {
	f := newEngineFixture(t, Config{}, stubProtocol{encodeErr: protocols.ErrCommandUnsupported})
	device := f.store.AddDevice(&model.Device{UniqueID: "123456789012345"})
	f.bindSession(device.ID, device.UniqueID)

	cmd := &model.Command{DeviceID: device.ID, Type: "NOPE"}
	require.NoError(t, f.engine.Submit(context.Background(), cmd))
	f.deliverNext(t)

	assert.Equal(t, model.CommandFailed, cmd.Status)
	assert.Equal(t, cmd.MaxRetries, cmd.RetryCount)
	assert.Contains(t, cmd.Error, "not supported")

	// No backoff timer was armed.
	f.clk.Add(time.Hour)
	assert.Equal(t, model.CommandFailed, cmd.Status)
}

func TestSmsFallback(t *testing.T) {
	f := newEngineFixture(t, Config{}, stubProtocol{})
	f.store.AddDevice(&model.Device{ID: 7, UniqueID: "123456789012345", Phone: "+5511999990000"})

	// No session, device has a phone: the text channel carries it.
	cmd := &model.Command{DeviceID: 7, Type: model.CommandReboot}
	require.NoError(t, f.engine.Submit(context.Background(), cmd))
	f.deliverNext(t)

	assert.Equal(t, model.CommandSent, cmd.Status)
	assert.Equal(t, []string{"+5511999990000:RESET"}, f.sms.sent)
	assert.Equal(t, "RESET", string(cmd.RawCommand))
}

func TestSmsExplicitTextChannel(t *testing.T) {
	f := newEngineFixture(t, Config{}, stubProtocol{})
	device := f.store.AddDevice(&model.Device{UniqueID: "123456789012345", Phone: "+5511999990000"})
	writes := f.bindSession(device.ID, device.UniqueID)

	// TextChannel forces SMS even with a live session.
	cmd := &model.Command{DeviceID: device.ID, Type: model.CommandEngineStop, TextChannel: true}
	require.NoError(t, f.engine.Submit(context.Background(), cmd))
	f.deliverNext(t)

	assert.Equal(t, model.CommandSent, cmd.Status)
	assert.Equal(t, []string{"+5511999990000:STOP"}, f.sms.sent)
	assert.Empty(t, *writes)
}

func TestRetryRequiresFailed(t *testing.T) {
	f := newEngineFixture(t, Config{}, stubProtocol{})
	f.store.AddDevice(&model.Device{ID: 7, UniqueID: "123456789012345"})

	cmd := &model.Command{DeviceID: 7, Type: model.CommandReboot}
	require.NoError(t, f.engine.Submit(context.Background(), cmd))
	err := f.engine.Retry(context.Background(), cmd.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only failed")
}

func TestPriorityRouting(t *testing.T) {
	f := newEngineFixture(t, Config{}, stubProtocol{})
	f.store.AddDevice(&model.Device{ID: 7, UniqueID: "123456789012345"})

	require.NoError(t, f.engine.Submit(context.Background(),
		&model.Command{DeviceID: 7, Type: model.CommandSetInterval, Priority: model.PriorityNormal}))
	require.NoError(t, f.engine.Submit(context.Background(),
		&model.Command{DeviceID: 7, Type: model.CommandEngineStop, Priority: model.PriorityCritical}))

	assert.Len(t, f.engine.highPrio, 1)
	assert.Len(t, f.engine.lowPrio, 1)
}

func TestSubmitFromTemplate(t *testing.T) {
	f := newEngineFixture(t, Config{}, stubProtocol{})
	f.store.AddDevice(&model.Device{ID: 7, UniqueID: "123456789012345"})
	tpl := &model.CommandTemplate{
		Name:       "slow reporting",
		Type:       model.CommandSetInterval,
		Priority:   model.PriorityHigh,
		Parameters: model.Attributes{"interval": 300},
	}
	require.NoError(t, f.store.Commands().SaveTemplate(context.Background(), tpl))

	cmd, err := f.engine.SubmitFromTemplate(context.Background(), tpl.ID, 7, 42)
	require.NoError(t, err)
	assert.Equal(t, model.CommandQueued, cmd.Status)
	assert.Equal(t, int64(7), cmd.DeviceID)
	assert.Equal(t, int64(42), cmd.UserID)
	assert.Equal(t, int64(300), cmd.Parameters.Int("interval", 0))
	assert.Equal(t, int64(1), tpl.UseCount)

	_, err = f.engine.SubmitFromTemplate(context.Background(), 9999, 7, 42)
	assert.Equal(t, storage.ErrNotFound, err)
}

func TestSweepScheduled(t *testing.T) {
	f := newEngineFixture(t, Config{}, stubProtocol{})
	f.store.AddDevice(&model.Device{ID: 7, UniqueID: "123456789012345"})
	ctx := context.Background()

	base := &model.Command{
		DeviceID:   7,
		Type:       model.CommandSetInterval,
		Parameters: model.Attributes{"interval": 120},
		Status:     model.CommandExecuted,
	}
	require.NoError(t, f.store.Commands().Upsert(ctx, base))

	sc := &model.ScheduledCommand{
		CommandID:      base.ID,
		ScheduledAt:    f.clk.Now().UTC().Add(-time.Second),
		RepeatInterval: time.Hour,
		MaxRepeats:     2,
	}
	require.NoError(t, f.store.Commands().UpdateScheduled(ctx, sc))

	f.engine.sweepScheduled()
	assert.Equal(t, 1, sc.Repeats)
	assert.False(t, sc.Done)
	assert.Len(t, f.engine.lowPrio, 1)

	// Re-armed one interval later: nothing due yet.
	f.engine.sweepScheduled()
	assert.Equal(t, 1, sc.Repeats)

	// After the interval the second (and last) repeat fires and retires it.
	f.clk.Add(time.Hour + time.Second)
	f.engine.sweepScheduled()
	assert.Equal(t, 2, sc.Repeats)
	assert.True(t, sc.Done)

	cmds, err := f.store.Commands().ListByDevice(ctx, 7)
	require.NoError(t, err)
	queued := 0
	for _, c := range cmds {
		if c.Status == model.CommandQueued {
			queued++
			assert.Equal(t, int64(120), c.Parameters.Int("interval", 0))
		}
	}
	assert.Equal(t, 2, queued)
}
