package vl53l5cx

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		target   int
		detected uint8
		distance int16
		status   uint8
		kind     Kind
		reason   ErrorReason
		str      string
	}{
		{name: "valid", target: 0, detected: 1, distance: 120, status: 5, kind: KindValid, str: "valid(120)"},
		{name: "wrap around", target: 0, detected: 1, distance: 50, status: 6, kind: KindSemiValid, str: "semi-valid(50, 6)"},
		{name: "large pulse", target: 1, detected: 2, distance: 900, status: 9, kind: KindSemiValid, str: "semi-valid(900, 9)"},
		{name: "valid status zero distance", target: 0, detected: 1, distance: 0, status: 5, kind: KindInvalid, str: "invalid(0, 5)"},
		{name: "bad status", target: 0, detected: 1, distance: 300, status: 4, kind: KindInvalid, str: "invalid(300, 4)"},
		{name: "no target", target: 0, detected: 0, distance: 0, status: 255, kind: KindInvalid, str: "invalid(0, 255)"},
		{
			name: "valid status without target", target: 1, detected: 1, distance: 450, status: 5,
			kind: KindError, reason: ReasonTargetStatusButNoTarget,
			str: "error(450, 5, target status but no target)",
		},
		{name: "semi status without target", target: 0, detected: 0, distance: 10, status: 9, kind: KindError, reason: ReasonTargetStatusButNoTarget},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := classify(tt.target, tt.detected, tt.distance, tt.status)
			assert.Equal(t, tt.kind, m.Kind())
			assert.Equal(t, tt.reason, m.Reason())
			assert.Equal(t, tt.distance, m.DistanceMM())
			assert.Equal(t, tt.status, m.Status())
			if tt.str != "" {
				assert.Equal(t, tt.str, m.String())
			}
		})
	}
}

func TestDecoder_Reshape(t *testing.T) {
	raw := NewRawResults(Resolution4x4, 2)
	raw.TemperatureC = 31
	raw.StreamCount = 7
	for zone := 0; zone < 16; zone++ {
		raw.TargetsDetected[zone] = 1
		raw.AmbientPerSPAD[zone] = uint32(zone)
		raw.SPADsEnabled[zone] = uint32(100 + zone)
		raw.DistanceMM[zone*2] = int16(1000 + zone)
		raw.TargetStatus[zone*2] = StatusValid
		raw.Reflectance[zone*2] = uint8(zone)
		raw.TargetStatus[zone*2+1] = StatusNoTargetFound
	}

	res := Decoder{}.Decode(raw)

	assert.Equal(t, int8(31), res.TemperatureC)
	assert.Equal(t, uint8(7), res.StreamCount)
	assert.Same(t, raw, res.Raw())
	require.Len(t, res.Measurements, 2)
	require.Len(t, res.Measurements[0], 4)
	// zone 6 is row 1 col 2
	assert.Equal(t, "valid(1006)", res.Measurements[0][1][2].String())
	assert.Equal(t, uint32(6), res.AmbientPerSPAD[1][2])
	assert.Equal(t, uint32(106), res.SPADsEnabled[1][2])
	assert.Equal(t, uint8(6), res.Reflectance[0][1][2])
	assert.Equal(t, KindInvalid, res.Measurements[1][1][2].Kind())
	assert.Equal(t, int16(1015), res.Distances(0)[3][3])
	assert.Equal(t, int16(-1), res.Distances(1)[3][3])
}

func TestDecoder_LogsSuspiciousStatus(t *testing.T) {
	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&out, nil))
	raw := NewRawResults(Resolution4x4, 1)
	raw.TargetStatus[3] = StatusValid
	raw.DistanceMM[3] = 200

	res := Decoder{Logger: logger}.Decode(raw)

	m := res.Measurements[0][0][3]
	assert.Equal(t, KindError, m.Kind())
	assert.Equal(t, ReasonTargetStatusButNoTarget, m.Reason())
	assert.Contains(t, out.String(), "target status without a detected target")
	assert.Contains(t, out.String(), "zone=3")
}

func TestDecoder_SeparationCheck(t *testing.T) {
	tests := []struct {
		name      string
		distances []int16
		statuses  []uint8
		want      []Kind
	}{
		{name: "far apart", distances: []int16{500, 1200}, statuses: []uint8{5, 5}, want: []Kind{KindValid, KindValid}},
		{name: "too close", distances: []int16{500, 1000}, statuses: []uint8{5, 6}, want: []Kind{KindError, KindError}},
		{name: "exact minimum", distances: []int16{500, 1100}, statuses: []uint8{5, 5}, want: []Kind{KindValid, KindValid}},
		{name: "invalid neighbour", distances: []int16{500, 600}, statuses: []uint8{5, 4}, want: []Kind{KindValid, KindInvalid}},
		{name: "chain", distances: []int16{500, 1000, 1500}, statuses: []uint8{5, 5, 5}, want: []Kind{KindError, KindError, KindError}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := len(tt.distances)
			raw := NewRawResults(Resolution4x4, n)
			raw.TargetsDetected[0] = uint8(n)
			copy(raw.DistanceMM, tt.distances)
			copy(raw.TargetStatus, tt.statuses)

			checked := Decoder{SeparationCheck: true}.Decode(raw)
			plain := Decoder{}.Decode(raw)

			for i, want := range tt.want {
				m := checked.Measurements[i][0][0]
				assert.Equal(t, want, m.Kind(), "target %d", i)
				if want == KindError {
					assert.Equal(t, ReasonTargetsTooClose, m.Reason())
					assert.True(t, plain.Measurements[i][0][0].Usable(), "only demoted by the check")
				}
			}
		})
	}
}
