package params

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanofab/stratum/pkg/types"
)

type fakeLoader struct {
	params []*types.Parameter
	err    error
}

func (f *fakeLoader) ListParameters(ctx context.Context, machineID string) ([]*types.Parameter, error) {
	return f.params, f.err
}

func addr(a uint16) *uint16 { return &a }

func catalogFixture() []*types.Parameter {
	return []*types.Parameter{
		{ID: "p1", Name: "chamber_temperature", ColumnName: "chamber_temperature",
			DataType: types.DataTypeFloat, ReadAddress: addr(100),
			WriteAddress: addr(200), IsWritable: true},
		{ID: "p2", Name: "pressure", ColumnName: "pressure",
			DataType: types.DataTypeFloat, ReadAddress: addr(102)},
		// Two parameters sharing a display name, one writable.
		{ID: "p3", Name: "flow", ColumnName: "flow_read",
			DataType: types.DataTypeFloat, ReadAddress: addr(104)},
		{ID: "p4", Name: "flow", ColumnName: "flow_set",
			DataType: types.DataTypeFloat, WriteAddress: addr(204), IsWritable: true},
		// Two writable parameters sharing a display name.
		{ID: "p5", Name: "heater", DataType: types.DataTypeFloat,
			WriteAddress: addr(206), IsWritable: true},
		{ID: "p6", Name: "heater", DataType: types.DataTypeFloat,
			WriteAddress: addr(208), IsWritable: true},
	}
}

func TestLoadAndGetByID(t *testing.T) {
	cache, err := Load(context.Background(), &fakeLoader{params: catalogFixture()}, "m1")
	require.NoError(t, err)
	assert.Equal(t, 6, cache.Len())

	p, ok := cache.GetByID("p1")
	require.True(t, ok)
	assert.Equal(t, "chamber_temperature", p.Name)

	_, ok = cache.GetByID("missing")
	assert.False(t, ok)
}

// TestLoadFailureReturnsUsableCache verifies a failed load still hands the
// terminal an empty cache it can run with
func TestLoadFailureReturnsUsableCache(t *testing.T) {
	cache, err := Load(context.Background(), &fakeLoader{err: errors.New("db down")}, "m1")
	require.Error(t, err)
	require.NotNil(t, cache)
	assert.Equal(t, 0, cache.Len())

	_, ok := cache.GetByID("p1")
	assert.False(t, ok)
}

func TestGetByName(t *testing.T) {
	cache, err := Load(context.Background(), &fakeLoader{params: catalogFixture()}, "m1")
	require.NoError(t, err)

	tests := []struct {
		name    string
		lookup  string
		wantID  string
		wantErr error
	}{
		{name: "unique name", lookup: "pressure", wantID: "p2"},
		{name: "collision prefers writable", lookup: "flow", wantID: "p4"},
		{name: "two writable resolve to lowest id", lookup: "heater", wantID: "p5"},
		{name: "unknown name", lookup: "nope", wantErr: ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := cache.GetByName(tt.lookup)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, p.ID)
		})
	}
}

func TestWritableIDsSorted(t *testing.T) {
	cache, err := Load(context.Background(), &fakeLoader{params: catalogFixture()}, "m1")
	require.NoError(t, err)

	assert.Equal(t, []string{"p1", "p4", "p5", "p6"}, cache.WritableIDs())
}

func TestColumnMapping(t *testing.T) {
	cache, err := Load(context.Background(), &fakeLoader{params: catalogFixture()}, "m1")
	require.NoError(t, err)

	col, ok := cache.ColumnName("p1")
	require.True(t, ok)
	assert.Equal(t, "chamber_temperature", col)

	id, ok := cache.IDFromColumn("flow_set")
	require.True(t, ok)
	assert.Equal(t, "p4", id)

	// p5 has no column name.
	_, ok = cache.ColumnName("p5")
	assert.False(t, ok)
}

func TestReadableWritableViews(t *testing.T) {
	cache, err := Load(context.Background(), &fakeLoader{params: catalogFixture()}, "m1")
	require.NoError(t, err)

	assert.Len(t, cache.Readable(), 3)
	assert.Len(t, cache.Writable(), 4)
}
