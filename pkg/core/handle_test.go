package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandle_MarshalBinary(t *testing.T) {
	tests := []struct {
		name   string
		entity Entity
		want   []byte
	}{
		{"prop", Prop{ID: 1}, []byte{50, 0x01, 0x00, 0x00, 0x00}},
		{"ped", Ped{ID: 0x04030201}, []byte{51, 0x01, 0x02, 0x03, 0x04}},
		{"vehicle", Vehicle{ID: 0xFFFFFFFF}, []byte{52, 0xFF, 0xFF, 0xFF, 0xFF}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := HandleFor(tt.entity).MarshalBinary()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			var decoded Handle
			require.NoError(t, decoded.UnmarshalBinary(got))
			assert.Equal(t, tt.entity.Handle(), decoded)
		})
	}
}

func TestHandle_UnmarshalBinary_Errors(t *testing.T) {
	var h Handle

	err := h.UnmarshalBinary([]byte{51, 1, 2})
	assert.ErrorIs(t, err, ErrHandleLength)

	err = h.UnmarshalBinary([]byte{49, 1, 0, 0, 0})
	assert.ErrorIs(t, err, ErrHandleKind)
	assert.Equal(t, Handle{}, h, "failed decode must not modify the handle")
}

func TestHandle_EntityKind(t *testing.T) {
	kind, err := Handle{Kind: HandleVehicle, ID: 9}.EntityKind()
	require.NoError(t, err)
	assert.Equal(t, KindVehicle, kind)

	_, err = Handle{Kind: 7}.MarshalBinary()
	assert.ErrorIs(t, err, ErrHandleKind)
}
