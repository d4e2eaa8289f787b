package gatt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T {
	return &v
}

func TestDecodeIndoorBikeData_SpeedCadencePower(t *testing.T) {
	// flags 0x0044: speed present (bit0 clear), cadence (bit2), power (bit6)
	buf := []byte{
		0x44, 0x00,
		0xC4, 0x09, // 2500 -> 25.00 km/h
		0xB4, 0x00, // 180 -> 90 rpm
		0xC8, 0x00, // 200 W
	}
	data, err := DecodeIndoorBikeData(buf)
	require.NoError(t, err)

	require.NotNil(t, data.SpeedKmh)
	assert.InDelta(t, 25.0, *data.SpeedKmh, 1e-9)
	require.NotNil(t, data.CadenceRpm)
	assert.InDelta(t, 90.0, *data.CadenceRpm, 1e-9)
	require.NotNil(t, data.PowerWatts)
	assert.Equal(t, int16(200), *data.PowerWatts)

	assert.Nil(t, data.AverageSpeedKmh)
	assert.Nil(t, data.AverageCadenceRpm)
	assert.Nil(t, data.DistanceMeters)
	assert.Nil(t, data.ResistanceLevel)
}

func TestDecodeIndoorBikeData_OffsetsWalkEveryPresentField(t *testing.T) {
	// More Data set (no speed), average speed, distance, resistance, power
	buf := []byte{
		0x73, 0x00,
		0x10, 0x27, // average speed 100.00 km/h
		0x01, 0x02, 0x03, // distance 0x030201 m
		0xFB,       // resistance -5
		0x38, 0xFF, // power -200 W
	}
	data, err := DecodeIndoorBikeData(buf)
	require.NoError(t, err)

	assert.Nil(t, data.SpeedKmh)
	require.NotNil(t, data.AverageSpeedKmh)
	assert.InDelta(t, 100.0, *data.AverageSpeedKmh, 1e-9)
	require.NotNil(t, data.DistanceMeters)
	assert.Equal(t, uint32(0x030201), *data.DistanceMeters)
	require.NotNil(t, data.ResistanceLevel)
	assert.Equal(t, int8(-5), *data.ResistanceLevel)
	require.NotNil(t, data.PowerWatts)
	assert.Equal(t, int16(-200), *data.PowerWatts)
}

func TestDecodeIndoorBikeData_Truncated(t *testing.T) {
	tests := map[string][]byte{
		"empty":           {},
		"half flags":      {0x44},
		"speed truncated": {0x00, 0x00, 0x01},
		"power missing":   {0x41, 0x00},
		"distance short":  {0x11, 0x00, 0x01, 0x02},
	}
	for name, buf := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeIndoorBikeData(buf)
			assert.ErrorIs(t, err, ErrParse)
		})
	}
}

func TestDecodeIndoorBikeData_FlagsOnlyMoreData(t *testing.T) {
	data, err := DecodeIndoorBikeData([]byte{0x01, 0x00})
	require.NoError(t, err)
	assert.False(t, data.HasAny())
}

func TestIndoorBikeData_RoundTripAllFlagCombinations(t *testing.T) {
	for mask := 0; mask < 1<<len(ibdFields); mask++ {
		in := IndoorBikeData{}
		if mask&(1<<0) != 0 {
			in.SpeedKmh = ptr(32.17)
		}
		if mask&(1<<1) != 0 {
			in.AverageSpeedKmh = ptr(28.5)
		}
		if mask&(1<<2) != 0 {
			in.CadenceRpm = ptr(87.5)
		}
		if mask&(1<<3) != 0 {
			in.AverageCadenceRpm = ptr(85.0)
		}
		if mask&(1<<4) != 0 {
			in.DistanceMeters = ptr(uint32(123456))
		}
		if mask&(1<<5) != 0 {
			in.ResistanceLevel = ptr(int8(12))
		}
		if mask&(1<<6) != 0 {
			in.PowerWatts = ptr(int16(-12))
		}

		out, err := DecodeIndoorBikeData(EncodeIndoorBikeData(in))
		require.NoError(t, err, "mask %07b", mask)

		assertFloatPtr(t, in.SpeedKmh, out.SpeedKmh, 0.005, mask)
		assertFloatPtr(t, in.AverageSpeedKmh, out.AverageSpeedKmh, 0.005, mask)
		assertFloatPtr(t, in.CadenceRpm, out.CadenceRpm, 0.25, mask)
		assertFloatPtr(t, in.AverageCadenceRpm, out.AverageCadenceRpm, 0.25, mask)
		assert.Equal(t, in.DistanceMeters, out.DistanceMeters, "mask %07b", mask)
		assert.Equal(t, in.ResistanceLevel, out.ResistanceLevel, "mask %07b", mask)
		assert.Equal(t, in.PowerWatts, out.PowerWatts, "mask %07b", mask)
	}
}

func TestEncodeIndoorBikeData_Rounding(t *testing.T) {
	buf := EncodeIndoorBikeData(IndoorBikeData{SpeedKmh: ptr(25.004), CadenceRpm: ptr(90.3)})
	assert.Equal(t, []byte{0x04, 0x00, 0xC4, 0x09, 0xB5, 0x00}, buf)
}

func assertFloatPtr(t *testing.T, want, got *float64, delta float64, mask int) {
	t.Helper()
	if want == nil {
		assert.Nil(t, got, "mask %07b", mask)
		return
	}
	if assert.NotNil(t, got, "mask %07b", mask) {
		assert.InDelta(t, *want, *got, delta, "mask %07b", mask)
	}
}
