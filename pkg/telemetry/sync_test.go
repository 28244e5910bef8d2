package telemetry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moonblokz/probe/pkg/command"
	"github.com/moonblokz/probe/pkg/logbuf"
	"github.com/moonblokz/probe/pkg/schedule"
)

type scriptedUploader struct {
	results []error
	bodies  []string
	got     [][]logbuf.Entry
}

func (u *scriptedUploader) Upload(_ context.Context, logs []logbuf.Entry) ([]byte, error) {
	i := len(u.got)
	u.got = append(u.got, append([]logbuf.Entry(nil), logs...))
	if i < len(u.results) && u.results[i] != nil {
		return nil, u.results[i]
	}
	if i < len(u.bodies) {
		return []byte(u.bodies[i]), nil
	}
	return nil, nil
}

type recordingDispatcher struct {
	seen   []string
	failOn string
	halt   string
}

func (d *recordingDispatcher) Dispatch(_ context.Context, cmd command.Command) error {
	d.seen = append(d.seen, cmd.Name())
	switch cmd.Name() {
	case d.failOn:
		return errors.New("boom")
	case d.halt:
		return command.ErrHalted
	}
	return nil
}

func newSync(t *testing.T, up Uploader, disp Dispatcher, buf *logbuf.Buffer) *Sync {
	t.Helper()
	s, err := New(Config{
		Buffer:     buf,
		Schedule:   schedule.NewState(schedule.Default(time.Minute)),
		Uploader:   up,
		Dispatcher: disp,
	})
	require.NoError(t, err)
	return s
}

func entry(i int) logbuf.Entry {
	ts := time.Date(2026, 10, 18, 9, 0, i, 0, time.UTC)
	return logbuf.NewEntry(ts, fmt.Sprintf("[INFO] line %d", i))
}

func TestFailedThenSuccessfulUploadDeliversUnionOnce(t *testing.T) {
	buf := logbuf.NewBuffer(100)
	up := &scriptedUploader{results: []error{errors.New("network down"), nil}}
	s := newSync(t, up, &recordingDispatcher{}, buf)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		buf.Push(entry(i))
	}
	out, err := s.Tick(ctx)
	require.Error(t, err)
	assert.Equal(t, 3, out.Requeued)
	assert.Equal(t, 3, buf.Len())

	for i := 3; i < 5; i++ {
		buf.Push(entry(i))
	}
	out, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, out.Uploaded)
	assert.Equal(t, 0, buf.Len())

	require.Len(t, up.got, 2)
	delivered := up.got[1]
	require.Len(t, delivered, 5)
	for i, e := range delivered {
		assert.Equal(t, entry(i), e)
	}
}

func TestRequeueRespectsCapacity(t *testing.T) {
	buf := logbuf.NewBuffer(4)
	up := &scriptedUploader{results: []error{errors.New("503")}}
	s := newSync(t, up, &recordingDispatcher{}, buf)

	for i := 0; i < 3; i++ {
		buf.Push(entry(i))
	}
	batch := buf.Drain()
	for i := 3; i < 6; i++ {
		buf.Push(entry(i))
	}
	buf.Requeue(batch)
	assert.Equal(t, 4, buf.Len())

	_, err := s.Tick(context.Background())
	require.Error(t, err)
	got := buf.Drain()
	assert.Equal(t, []logbuf.Entry{entry(2), entry(3), entry(4), entry(5)}, got)
}

func TestCommandsDispatchInOrderDespiteFailures(t *testing.T) {
	body := `[{"command":"set_filter","value":"a"},{"command":"set_log_level"},{"command":"run_command","value":"/ST"},{"command":"update_node"}]`
	up := &scriptedUploader{bodies: []string{body}}
	disp := &recordingDispatcher{failOn: command.NameRunCommand}
	s := newSync(t, up, disp, logbuf.NewBuffer(10))

	out, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"set_filter", "run_command", "update_node"}, disp.seen)
	assert.Equal(t, 2, out.Dispatched)
	assert.Equal(t, 2, out.Failed, "one malformed element plus one failing command")
}

func TestMalformedBodyKeepsBatchDelivered(t *testing.T) {
	buf := logbuf.NewBuffer(10)
	buf.Push(entry(1))
	up := &scriptedUploader{bodies: []string{`{"oops":`}}
	disp := &recordingDispatcher{}
	s := newSync(t, up, disp, buf)

	out, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, out.Uploaded)
	assert.Equal(t, 0, buf.Len())
	assert.Empty(t, disp.seen)
}

func TestRebootHaltsRemainingCommands(t *testing.T) {
	body := `[{"command":"reboot_probe"},{"command":"update_node"}]`
	up := &scriptedUploader{bodies: []string{body}}
	disp := &recordingDispatcher{halt: command.NameRebootProbe}
	s := newSync(t, up, disp, logbuf.NewBuffer(10))

	out, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, out.Halted)
	assert.Equal(t, []string{"reboot_probe"}, disp.seen)
}

func TestRunCadenceFollowsScheduleAndBackoff(t *testing.T) {
	start := time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC)
	window, err := schedule.ParseWindow("2026-10-18T08:00:00Z", "2026-10-18T18:00:00Z")
	require.NoError(t, err)
	state := schedule.NewState(schedule.Default(time.Minute))
	_, err = state.Replace(window, 30*time.Second, 300*time.Second)
	require.NoError(t, err)

	up := &scriptedUploader{results: []error{nil, errors.New("down"), errors.New("down"), nil}}
	s, err := New(Config{
		Buffer:     logbuf.NewBuffer(10),
		Schedule:   state,
		Uploader:   up,
		Dispatcher: &recordingDispatcher{},
	})
	require.NoError(t, err)

	now := start
	var slept []time.Duration
	s.now = func() time.Time { return now }
	s.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		if len(slept) == 4 {
			now = time.Date(2026, 10, 18, 19, 0, 0, 0, time.UTC)
		}
		if len(slept) > 7 {
			return context.Canceled
		}
		return nil
	}
	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, []time.Duration{
		30 * time.Second,  // tick 1 ok
		30 * time.Second,  // tick 2 fails
		time.Second,       // backoff
		30 * time.Second,  // tick 3 fails
		2 * time.Second,   // backoff grows
		300 * time.Second, // outside window, tick 4 ok
		300 * time.Second, // backoff was reset
		300 * time.Second,
	}, slept)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
