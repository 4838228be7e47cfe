package maccommand

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEIRPIndex(t *testing.T) {
	assert := require.New(t)

	tests := []struct {
		EIRP          float32
		ExpectedIndex uint8
	}{
		{8, 0},
		{9, 0},
		{10, 1},
		{36, 15},
		{37, 15},
		{12.15, 2},
	}

	for _, tst := range tests {
		assert.Equal(tst.ExpectedIndex, EIRPIndex(tst.EIRP))
	}
}

func TestEIRPFromIndex(t *testing.T) {
	assert := require.New(t)

	tests := []struct {
		Index uint8
		EIRP  float32
		Err   bool
	}{
		{0, 8, false},
		{15, 36, false},
		{16, 0, true},
	}

	for _, tst := range tests {
		e, err := EIRP(tst.Index)
		if tst.Err {
			assert.Error(err)
			continue
		}
		assert.NoError(err)
		assert.Equal(tst.EIRP, e)
	}
}
