package record

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/tof/flock"
	"github.com/mklimuk/tof/vl53l5cx"
)

func testRaw(distance int16, status uint8) *vl53l5cx.RawResults {
	raw := vl53l5cx.NewRawResults(vl53l5cx.Resolution4x4, 1)
	raw.StreamCount = 7
	raw.TemperatureC = -3
	for i := range raw.DistanceMM {
		raw.TargetsDetected[i] = 1
		raw.DistanceMM[i] = distance
		raw.TargetStatus[i] = status
		raw.SignalPerSPAD[i] = 1200
		raw.RangeSigmaMM[i] = 4
		raw.Reflectance[i] = 30
		raw.AmbientPerSPAD[i] = 2
		raw.SPADsEnabled[i] = 256
	}
	return raw
}

func testEvent(device int, ts time.Time, raw *vl53l5cx.RawResults) flock.Event {
	res := vl53l5cx.Decoder{}.Decode(raw)
	return flock.Event{Device: device, Results: res, TemperatureC: res.TemperatureC, Timestamp: ts}
}

func TestRecordReplay(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := NewHeader(start, Sensor{Name: "left", Address: 0x30, Resolution: 16, Targets: 1})
	buf := &bytes.Buffer{}
	w, err := NewWriter(buf, h)
	require.NoError(t, err)
	require.NoError(t, w.Write(testEvent(0, start.Add(10*time.Millisecond), testRaw(120, 5))))
	require.NoError(t, w.Write(testEvent(1, start.Add(20*time.Millisecond), testRaw(50, 6))))
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.WriteEntry(Entry{}), os.ErrClosed, "closed writer")

	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, h.Session, r.Header().Session)
	_, err = uuid.Parse(r.Header().Session)
	assert.NoError(t, err)
	assert.Equal(t, h.Sensors, r.Header().Sensors)
	assert.True(t, start.Equal(r.Header().Started))

	p := NewPlayer(r, vl53l5cx.Decoder{}, false)
	ctx := context.Background()

	ev, err := p.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, ev.Device)
	assert.Equal(t, int8(-3), ev.TemperatureC)
	assert.Equal(t, testRaw(120, 5), ev.Results.Raw())
	assert.Equal(t, vl53l5cx.KindValid, ev.Results.Measurements[0][1][2].Kind())

	ev, err = p.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ev.Device)
	assert.Equal(t, vl53l5cx.KindSemiValid, ev.Results.Measurements[0][0][0].Kind())
	assert.True(t, start.Add(20*time.Millisecond).Equal(ev.Timestamp))

	_, err = p.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestCreateOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.cbor")
	w, err := Create(path, NewHeader(time.Now()))
	require.NoError(t, err)
	require.NoError(t, w.Write(testEvent(0, time.Now(), testRaw(300, 5))))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	e, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, uint8(16), e.Frame.Resolution)
	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReplayRealtime(t *testing.T) {
	start := time.Now()
	buf := &bytes.Buffer{}
	w, err := NewWriter(buf, NewHeader(start))
	require.NoError(t, err)
	require.NoError(t, w.Write(testEvent(0, start, testRaw(100, 5))))
	require.NoError(t, w.Write(testEvent(0, start.Add(time.Hour), testRaw(100, 5))))
	r, err := NewReader(buf)
	require.NoError(t, err)
	p := NewPlayer(r, vl53l5cx.Decoder{}, true)

	_, err = p.Next(context.Background())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err = p.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFrameRaw_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(f *Frame)
		wantErr string
	}{
		{name: "resolution", modify: func(f *Frame) { f.Resolution = 32 }, wantErr: "invalid frame resolution 32"},
		{name: "targets", modify: func(f *Frame) { f.Targets = 0 }, wantErr: "invalid frame target count 0"},
		{name: "distance", modify: func(f *Frame) { f.DistanceMM = f.DistanceMM[:3] }, wantErr: "invalid frame distance size 3, expected 16"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := FrameOf(testRaw(100, 5))
			tt.modify(&f)

			_, err := f.Raw()

			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestReader_Version(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, NewEncoder(buf).Encode(Header{Version: 99}))

	_, err := NewReader(buf)

	assert.ErrorContains(t, err, "unsupported record version 99")
}
