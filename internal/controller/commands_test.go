package controller

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/treat-dispenser/internal/events"
	"github.com/sweeney/treat-dispenser/internal/schedule"
)

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    Request
		wantErr error
	}{
		{"start_manual_dispense", "", Request{Command: CmdStartManualDispense}, nil},
		{"  Schedule_Start ", "", Request{Command: CmdScheduleStart}, nil},
		{"cancel_training", "ignored", Request{Command: CmdCancelTraining}, nil},
		{"set_hours", "3", Request{Command: CmdSetHours, Value: 3}, nil},
		{"set_treats_per_hour", " 6 ", Request{Command: CmdSetTreatsPerHour, Value: 6}, nil},
		{"launch_treats", "", Request{}, ErrUnknownCommand},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRequest(tt.name, tt.value)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRequestNeedsInteger(t *testing.T) {
	_, err := ParseRequest("set_hours", "")
	require.Error(t, err)
	_, err = ParseRequest("set_treats_per_hour", "many")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "set_treats_per_hour")
}

func TestEveryCommandParses(t *testing.T) {
	for _, cmd := range Commands {
		_, err := ParseRequest(string(cmd), "2")
		assert.NoError(t, err, cmd)
	}
}

func TestExecute(t *testing.T) {
	r := newRig(t)
	now := r.settle(t0)

	require.NoError(t, r.ctrl.Execute(Request{Command: CmdSetTreatsPerHour, Value: 50}, now))
	assert.Equal(t, schedule.MaxTreatsPerHour, r.ctrl.View().TreatsPerHour)
	require.NoError(t, r.ctrl.Execute(Request{Command: CmdSetHours, Value: 3}, now))
	assert.Equal(t, 3, r.ctrl.View().Hours)

	require.NoError(t, r.ctrl.Execute(Request{Command: CmdStartTrainingWindow}, now))
	assert.ErrorIs(t, r.ctrl.Execute(Request{Command: CmdStartManualDispense}, now), ErrBusy)
	require.NoError(t, r.ctrl.Execute(Request{Command: CmdCancelTraining}, now))
	assert.Equal(t, events.Cancelled, r.last().Type)

	require.NoError(t, r.ctrl.Execute(Request{Command: CmdStartManualDispense}, now))
	assert.Equal(t, events.Dispensed, r.last().Type)

	require.NoError(t, r.ctrl.Execute(Request{Command: CmdScheduleStart}, now))
	assert.True(t, r.ctrl.Schedule().Running)
	require.NoError(t, r.ctrl.Execute(Request{Command: CmdSchedulePauseOrResume}, now))
	assert.True(t, r.ctrl.Schedule().Paused)
	require.NoError(t, r.ctrl.Execute(Request{Command: CmdScheduleStop}, now))

	assert.ErrorIs(t, r.ctrl.Execute(Request{Command: "reboot"}, now), ErrUnknownCommand)
}

func TestQueueSubmitRunsOnLoop(t *testing.T) {
	r := newRig(t)
	now := r.settle(t0)
	q := NewQueue(1, r.ctrl.RequestCancel)

	done := make(chan error, 1)
	go func() {
		done <- q.Submit(context.Background(), Request{Command: CmdStartManualDispense})
	}()

	j := <-q.Jobs()
	require.NoError(t, r.ctrl.Run(j, now))
	require.NoError(t, <-done)
	assert.Equal(t, 1, r.motor.runs)
}

func TestQueueSubmitReportsError(t *testing.T) {
	r := newRig(t)
	now := r.settle(t0)
	require.NoError(t, r.ctrl.StartTrainingWindow(now))
	q := NewQueue(1, nil)

	done := make(chan error, 1)
	go func() {
		done <- q.Submit(context.Background(), Request{Command: CmdStartManualDispense})
	}()

	assert.ErrorIs(t, r.ctrl.Run(<-q.Jobs(), now), ErrBusy)
	assert.ErrorIs(t, <-done, ErrBusy)
}

func TestQueueSubmitContextEnds(t *testing.T) {
	q := NewQueue(1, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := q.Submit(ctx, Request{Command: CmdScheduleStop})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueOffer(t *testing.T) {
	q := NewQueue(1, nil)
	require.NoError(t, q.Offer(Request{Command: CmdScheduleStart}))
	assert.ErrorIs(t, q.Offer(Request{Command: CmdScheduleStop}), ErrQueueFull)

	j := <-q.Jobs()
	assert.Equal(t, CmdScheduleStart, j.Request.Command)
}

func TestQueueCancelInterruptsImmediately(t *testing.T) {
	var cancelled atomic.Int32
	q := NewQueue(2, func() { cancelled.Add(1) })

	require.NoError(t, q.Offer(Request{Command: CmdCancelTraining}))
	assert.Equal(t, int32(1), cancelled.Load())

	require.NoError(t, q.Offer(Request{Command: CmdScheduleStop}))
	assert.Equal(t, int32(1), cancelled.Load())
}
