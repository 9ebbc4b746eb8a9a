package power

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/labpsu/hardware/psusim"
	"github.com/temoto/labpsu/hardware/scpi"
	"github.com/temoto/labpsu/log2"
)

func newMockController(t testing.TB, timeout time.Duration) (*Controller, *scpi.Mock) {
	client, mock := scpi.NewMockClient(t, timeout)
	ctl, err := NewController(client, log2.NewTest(t, log2.LDebug), nil)
	require.NoError(t, err)
	return ctl, mock
}

func newSimController(t testing.TB) (*Controller, *psusim.Instrument) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sim := psusim.NewInstrument(4, nil)
	client := scpi.NewClient(scpi.Options{Dialer: sim.Dialer(ctx), Timeout: time.Second})
	require.NoError(t, client.Connect(ctx, "sim"))
	t.Cleanup(func() { client.Close() })
	ctl, err := NewController(client, log2.NewTest(t, log2.LDebug), nil)
	require.NoError(t, err)
	return ctl, sim
}

func TestNewController(t *testing.T) {
	t.Parallel()

	ctl, err := NewController(scpi.NewClient(scpi.Options{}), nil, []int{3, 1, 2})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, ctl.IDs())
	chs := ctl.Channels()
	require.Len(t, chs, 3)
	assert.Equal(t, Channel{ID: 1, State: PowerOff}, chs[0])

	_, err = NewController(scpi.NewClient(scpi.Options{}), nil, []int{1, 1})
	assert.True(t, errors.IsNotValid(err))
	_, err = NewController(scpi.NewClient(scpi.Options{}), nil, []int{0})
	assert.True(t, errors.IsNotValid(err))
	_, err = NewController(nil, nil, nil)
	assert.True(t, errors.IsNotValid(err))
}

func TestUnknownChannel(t *testing.T) {
	t.Parallel()

	ctl, mock := newMockController(t, time.Second)
	defer mock.Close()
	ctx := context.Background()
	before := ctl.Channels()

	for _, id := range []int{0, 5, -1} {
		err := ctl.SetChannel(ctx, id, 5, 1)
		assert.True(t, errors.IsNotValid(err), "id=%d", id)
		err = ctl.DisableChannel(ctx, id)
		assert.True(t, errors.IsNotValid(err), "id=%d", id)
		_, err = ctl.MeasureChannel(ctx, id)
		assert.True(t, errors.IsNotValid(err), "id=%d", id)
		_, err = ctl.Channel(id)
		assert.True(t, errors.IsNotValid(err), "id=%d", id)
	}
	assert.Empty(t, mock.Requests())
	assert.Equal(t, before, ctl.Channels())
}

func TestSetChannelValidation(t *testing.T) {
	t.Parallel()

	ctl, mock := newMockController(t, time.Second)
	defer mock.Close()
	cases := []struct{ voltage, current float64 }{
		{-1, 1},
		{5, -0.1},
		{math.NaN(), 1},
		{5, math.Inf(1)},
	}
	for _, c := range cases {
		err := ctl.SetChannel(context.Background(), 1, c.voltage, c.current)
		assert.True(t, errors.IsNotValid(err), "voltage=%v current=%v", c.voltage, c.current)
		assert.Equal(t, KindValidation, ErrorKind(err))
	}
	assert.Empty(t, mock.Requests())
	ch, err := ctl.Channel(1)
	require.NoError(t, err)
	assert.Equal(t, PowerOff, ch.State)
}

func TestSetChannelOrder(t *testing.T) {
	t.Parallel()

	ctl, mock := newMockController(t, time.Second)
	defer mock.Close()
	go mock.Expect([]scpi.MockR{
		{Request: "SOURce1:CURRent 1.0", Response: "OK"},
		{Request: "SOURce1:VOLTage 5.0", Response: "OK"},
		{Request: "OUTPut1:STATe ON", Response: "OK"},
	})
	require.NoError(t, ctl.SetChannel(context.Background(), 1, 5.0, 1.0))
	assert.Equal(t, []string{"SOURce1:CURRent 1.0", "SOURce1:VOLTage 5.0", "OUTPut1:STATe ON"}, mock.Requests())

	ch, err := ctl.Channel(1)
	require.NoError(t, err)
	assert.Equal(t, Channel{ID: 1, VoltageSetpoint: 5, CurrentLimit: 1, State: PowerEnabled}, ch)
}

func TestSetChannelFailureKeepsState(t *testing.T) {
	t.Parallel()

	ctl, mock := newMockController(t, 50*time.Millisecond)
	defer mock.Close()
	go mock.Expect([]scpi.MockR{
		{Request: "SOURce2:CURRent 0.5", Response: "OK"},
		{Request: "SOURce2:VOLTage 3.3", Response: scpi.MockNoResponse},
	})
	err := ctl.SetChannel(context.Background(), 2, 3.3, 0.5)
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err), errors.ErrorStack(err))
	assert.Contains(t, err.Error(), "set voltage")
	assert.Equal(t, KindTimeout, ErrorKind(err))

	ch, err := ctl.Channel(2)
	require.NoError(t, err)
	assert.Equal(t, Channel{ID: 2, State: PowerOff}, ch)
	assert.Len(t, mock.Requests(), 2)
}

func TestSetChannelCanceledWritesNothing(t *testing.T) {
	t.Parallel()

	ctl, mock := newMockController(t, time.Second)
	defer mock.Close()
	mock.Handle(func(string) (string, bool) { return "OK", true })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 20; i++ {
		err := ctl.SetChannel(ctx, 1, 5.0, 1.0)
		require.Error(t, err)
		assert.Equal(t, KindCanceled, ErrorKind(err))
	}
	assert.Empty(t, mock.Requests())
	ch, err := ctl.Channel(1)
	require.NoError(t, err)
	assert.Equal(t, PowerOff, ch.State)
}

func TestSetThenMeasureEcho(t *testing.T) {
	t.Parallel()

	ctl, _ := newSimController(t)
	ctx := context.Background()
	cases := []struct {
		id               int
		voltage, current float64
	}{
		{1, 5.0, 1.0},
		{2, 3.3, 0.5},
		{3, 12.0, 2.0},
		{4, 0, 0},
	}
	for _, c := range cases {
		require.NoError(t, ctl.SetChannel(ctx, c.id, c.voltage, c.current))
		s, err := ctl.MeasureChannel(ctx, c.id)
		require.NoError(t, err)
		assert.Equal(t, c.voltage, s.Voltage)
		assert.Equal(t, c.current, s.Current)
		assert.Equal(t, c.voltage*c.current, s.Power)
		ch, err := ctl.Channel(c.id)
		require.NoError(t, err)
		require.NotNil(t, ch.LastSample)
		assert.Equal(t, s, *ch.LastSample)
	}
}

func TestDisableChannel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		response string
		expect   PowerState
		check    func(error) bool
	}{
		{"0.0", PowerOff, nil},
		{"0", PowerOff, nil},
		{"-0.0", PowerOff, nil},
		{"0.3", PowerEnabled, IsDisableNotConfirmed},
		{"-0.001", PowerEnabled, IsDisableNotConfirmed},
		{"ERR", PowerEnabled, scpi.IsParse},
		{"Отключено", PowerEnabled, scpi.IsParse},
	}
	for _, c := range cases {
		c := c
		t.Run(c.response, func(t *testing.T) {
			t.Parallel()
			ctl, mock := newMockController(t, time.Second)
			defer mock.Close()
			mock.ExpectMap(map[string]string{
				"SOURce1:CURRent 1.0": "OK",
				"SOURce1:VOLTage 5.0": "OK",
				"OUTPut1:STATe ON":    "OK",
				"OUTPut1:STATe OFF":   "OK",
				"MEASure1:VOLTage?":   c.response,
			})
			ctx := context.Background()
			require.NoError(t, ctl.SetChannel(ctx, 1, 5, 1))

			err := ctl.DisableChannel(ctx, 1)
			if c.check == nil {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.True(t, c.check(err), errors.ErrorStack(err))
			}
			ch, _ := ctl.Channel(1)
			assert.Equal(t, c.expect, ch.State)
			assert.Equal(t, "OUTPut1:STATe OFF", mock.Requests()[3])
			assert.Equal(t, "MEASure1:VOLTage?", mock.Requests()[4])
		})
	}
}

func TestDisableStuckOutput(t *testing.T) {
	t.Parallel()

	ctl, sim := newSimController(t)
	ctx := context.Background()
	require.NoError(t, ctl.SetChannel(ctx, 3, 12, 2))
	sim.SetStuckOn(3, true)
	err := ctl.DisableChannel(ctx, 3)
	require.Error(t, err)
	assert.Equal(t, KindDisableNotConfirmed, ErrorKind(err))
	dnc := errors.Cause(err).(*DisableNotConfirmed)
	assert.Equal(t, 3, dnc.Channel)
	assert.Equal(t, 12.0, dnc.Voltage)

	sim.SetStuckOn(3, false)
	require.NoError(t, ctl.DisableChannel(ctx, 3))
	ch, _ := ctl.Channel(3)
	assert.Equal(t, PowerOff, ch.State)
}

func TestMeasureChannel(t *testing.T) {
	t.Parallel()

	ctl, mock := newMockController(t, time.Second)
	defer mock.Close()
	go mock.Expect([]scpi.MockR{
		{Request: "MEASure1:VOLTage?", Response: "5.0"},
		{Request: "MEASure1:CURRent?", Response: "1.0"},
		{Request: "MEASure1:POWer?", Response: "5.0"},
	})
	s, err := ctl.MeasureChannel(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 5.0, s.Voltage)
	assert.Equal(t, 1.0, s.Current)
	assert.Equal(t, 5.0, s.Power)
	assert.False(t, s.Time.IsZero())
}

func TestMeasureParseErrorKeepsLastSample(t *testing.T) {
	t.Parallel()

	ctl, mock := newMockController(t, time.Second)
	defer mock.Close()
	ctx := context.Background()
	go mock.Expect([]scpi.MockR{
		{Request: "MEASure2:VOLTage?", Response: "3.3"},
		{Request: "MEASure2:CURRent?", Response: "0.5"},
		{Request: "MEASure2:POWer?", Response: "1.65"},
		{Request: "MEASure2:VOLTage?", Response: "3.3"},
		{Request: "MEASure2:CURRent?", Response: "ERR"},
	})
	first, err := ctl.MeasureChannel(ctx, 2)
	require.NoError(t, err)

	_, err = ctl.MeasureChannel(ctx, 2)
	require.Error(t, err)
	assert.True(t, scpi.IsParse(err))
	assert.Equal(t, KindParse, ErrorKind(err))
	assert.Len(t, mock.Requests(), 5, "power must not be queried after parse error")

	ch, _ := ctl.Channel(2)
	require.NotNil(t, ch.LastSample)
	assert.Equal(t, first, *ch.LastSample)
}

func TestMeasureTimestampNonDecreasing(t *testing.T) {
	t.Parallel()

	ctl, _ := newSimController(t)
	base := time.Date(2024, 12, 10, 14, 0, 0, 0, time.UTC)
	times := []time.Time{base, base.Add(-time.Hour), base.Add(time.Second)}
	var mu sync.Mutex
	ctl.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		ts := times[0]
		times = times[1:]
		return ts
	}
	ctx := context.Background()
	s1, err := ctl.MeasureChannel(ctx, 1)
	require.NoError(t, err)
	s2, err := ctl.MeasureChannel(ctx, 1)
	require.NoError(t, err)
	s3, err := ctl.MeasureChannel(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, base, s1.Time)
	assert.Equal(t, base, s2.Time)
	assert.Equal(t, base.Add(time.Second), s3.Time)
}

func TestSnapshot(t *testing.T) {
	t.Parallel()

	ctl, mock := newMockController(t, time.Second)
	defer mock.Close()
	expect := map[int]Sample{
		1: {Voltage: 5.0, Current: 1.0, Power: 5.0},
		2: {Voltage: 3.3, Current: 0.5, Power: 1.65},
		3: {Voltage: 12.0, Current: 2.0, Power: 24.0},
		4: {Voltage: 0.0, Current: 0.0, Power: 0.0},
	}
	rm := make(map[string]string)
	for id, s := range expect {
		rm[scpi.MeasureVoltage(id)] = scpi.FormatFloat(s.Voltage)
		rm[scpi.MeasureCurrent(id)] = scpi.FormatFloat(s.Current)
		rm[scpi.MeasurePower(id)] = scpi.FormatFloat(s.Power)
	}
	mock.ExpectMap(rm)

	snap, err := ctl.Snapshot(context.Background())
	require.NoError(t, err)
	assert.False(t, snap.Time.IsZero())
	require.Len(t, snap.Channels, 4)
	for id, e := range expect {
		actual := snap.Channels[id]
		assert.Equal(t, e.Voltage, actual.Voltage, "channel=%d", id)
		assert.Equal(t, e.Current, actual.Current, "channel=%d", id)
		assert.Equal(t, e.Power, actual.Power, "channel=%d", id)
	}
	requests := mock.Requests()
	require.Len(t, requests, 12)
	for i, id := range []int{1, 2, 3, 4} {
		assert.Equal(t, scpi.MeasureVoltage(id), requests[i*3])
		assert.Equal(t, scpi.MeasurePower(id), requests[i*3+2])
	}
}

func TestSnapshotFailsWhole(t *testing.T) {
	t.Parallel()

	ctl, sim := newSimController(t)
	sim.SetGarbage("MEASure3:POWer?", "ERR")
	snap, err := ctl.Snapshot(context.Background())
	require.Error(t, err)
	assert.True(t, scpi.IsParse(err))
	assert.Nil(t, snap.Channels)
	ch, _ := ctl.Channel(4)
	assert.Nil(t, ch.LastSample, "snapshot stops at first failure")
}

func TestConcurrentSameChannel(t *testing.T) {
	t.Parallel()

	ctl, sim := newSimController(t)
	ctx := context.Background()
	const N = 16
	var wg sync.WaitGroup
	wg.Add(N * 2)
	for i := 1; i <= N; i++ {
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, ctl.SetChannel(ctx, 1, float64(i), float64(i)/10))
		}(i)
		go func() {
			defer wg.Done()
			s, err := ctl.MeasureChannel(ctx, 1)
			if assert.NoError(t, err) {
				// instrument output is always one complete configuration
				assert.InDelta(t, s.Voltage*s.Current, s.Power, 1e-9)
			}
		}()
	}
	wg.Wait()

	ch, err := ctl.Channel(1)
	require.NoError(t, err)
	v, i, on := sim.Channel(1)
	assert.True(t, on)
	assert.Equal(t, v, ch.VoltageSetpoint)
	assert.Equal(t, i, ch.CurrentLimit)
	assert.InDelta(t, ch.VoltageSetpoint/10, ch.CurrentLimit, 1e-9)
}

func TestAcquireWait(t *testing.T) {
	t.Parallel()

	ctl, mock := newMockController(t, time.Second)
	defer mock.Close()
	release, err := ctl.acquire(context.Background(), 2)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = ctl.MeasureChannel(ctx, 2)
	assert.Equal(t, KindTimeout, ErrorKind(err))

	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	err = ctl.DisableChannel(ctx, 2)
	assert.Equal(t, KindCanceled, ErrorKind(err))
	release()
	assert.Empty(t, mock.Requests())
}

func TestErrorKind(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err    error
		expect string
	}{
		{nil, ""},
		{errors.NotValidf("channel id=9"), KindValidation},
		{errors.Annotate(&scpi.LinkError{Op: "read", Address: "mock", Err: fmt.Errorf("EOF")}, "measure"), KindLink},
		{errors.Timeoutf("response"), KindTimeout},
		{errors.Trace(context.DeadlineExceeded), KindTimeout},
		{errors.Annotate(&scpi.ParseError{Command: "MEASure1:VOLTage?", Response: "ERR"}, "measure"), KindParse},
		{&DisableNotConfirmed{Channel: 1, Voltage: 0.3}, KindDisableNotConfirmed},
		{errors.Annotate(context.Canceled, "wait"), KindCanceled},
		{fmt.Errorf("something"), KindOther},
	}
	for _, c := range cases {
		assert.Equal(t, c.expect, ErrorKind(c.err), "err=%v", c.err)
	}
}

func TestPowerStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "off", PowerOff.String())
	assert.Equal(t, "enabled", PowerEnabled.String())
	b, err := PowerEnabled.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "enabled", string(b))
	assert.Equal(t, "channel=1 disable not confirmed, voltage=0.3", (&DisableNotConfirmed{Channel: 1, Voltage: 0.3}).Error())
}
