package codec

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entwine-project/entwine/internal/config"
)

func testSchema() config.Schema {
	return config.Schema{
		{Name: "X", Type: "signed", Size: 4, Scale: 0.01},
		{Name: "Intensity", Type: "unsigned", Size: 2},
		{Name: "Height", Type: "float", Size: 4},
	}
}

func TestRawEncodeDecodeRoundTrip(t *testing.T) {
	schema := testSchema()
	points := [][]float64{
		{12.34, 100, 1.5},
		{-5.01, 65535, -2.25},
	}

	data, err := EncodeRaw(schema, points)
	require.NoError(t, err)

	got, err := DecodeRaw(schema, data)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.InDelta(t, 12.34, got[0][0], 0.01)
	assert.Equal(t, 100.0, got[0][1])
	assert.InDelta(t, 1.5, got[0][2], 1e-6)
}

func TestDispatcherZstandardRoundTrip(t *testing.T) {
	d := Dispatcher{}
	schema := testSchema()
	points := [][]float64{{1, 2, 3}, {4, 5, 6}}

	data, ext, err := d.Write(config.DataTypeZstandard, schema, false, points)
	require.NoError(t, err)
	assert.Equal(t, "zst", ext)

	got, err := d.Read(config.DataTypeZstandard, schema, data)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.InDelta(t, 1, got[0][0], 0.01)
}

func TestDispatcherBinaryRoundTrip(t *testing.T) {
	d := Dispatcher{}
	schema := testSchema()
	points := [][]float64{{7, 8, 9}}

	data, ext, err := d.Write(config.DataTypeBinary, schema, false, points)
	require.NoError(t, err)
	assert.Equal(t, "bin", ext)

	got, err := d.Read(config.DataTypeBinary, schema, data)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestDispatcherBinaryRoundTripPreservesRowOrderAndValues(t *testing.T) {
	d := Dispatcher{}
	schema := config.Schema{
		{Name: "X", Type: "float", Size: 4},
		{Name: "Y", Type: "float", Size: 4},
		{Name: "Z", Type: "float", Size: 4},
	}
	points := [][]float64{{1, 2, 3}, {4, 5, 6}, {-7, 8, -9}}

	data, _, err := d.Write(config.DataTypeBinary, schema, false, points)
	require.NoError(t, err)

	got, err := d.Read(config.DataTypeBinary, schema, data)
	require.NoError(t, err)

	if diff := cmp.Diff(points, got); diff != "" {
		t.Errorf("decoded points mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatcherLaszipWithoutCodecErrors(t *testing.T) {
	d := Dispatcher{}
	_, _, err := d.Write(config.DataTypeLaszip, testSchema(), false, nil)
	assert.Error(t, err)

	_, err = d.Read(config.DataTypeLaszip, testSchema(), nil)
	assert.Error(t, err)
}

func TestExtension(t *testing.T) {
	assert.Equal(t, "laz", Extension(config.DataTypeLaszip))
	assert.Equal(t, "zst", Extension(config.DataTypeZstandard))
	assert.Equal(t, "bin", Extension(config.DataTypeBinary))
}
