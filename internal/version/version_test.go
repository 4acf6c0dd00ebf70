package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRuntimeParses(t *testing.T) {
	v := Runtime()
	assert.Equal(t, Version, v.String())
}

func TestCheckMin(t *testing.T) {
	assert.NoError(t, CheckMin(""))
	assert.NoError(t, CheckMin("0.0.1"))
	assert.NoError(t, CheckMin(Version))
	assert.Error(t, CheckMin("99.0.0"))
	assert.Error(t, CheckMin("not-a-version"))
}
