package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ermannoGirardo/edoxb-smart-home/types"
)

func TestNilPublisherIsNoop(t *testing.T) {
	var p *Publisher

	err := p.PublishReading(types.OK("temp", map[string]any{"value": 1.0}))
	assert.NoError(t, err)
	p.Close()
}

func TestConnectEmptyURLDisablesBus(t *testing.T) {
	p, err := Connect("", nil, nil)
	require.NoError(t, err)
	assert.Nil(t, p)

	// The disabled publisher is usable as-is.
	assert.NoError(t, p.PublishReading(types.OK("temp", nil)))
}

func TestSubjectNaming(t *testing.T) {
	assert.Equal(t, "sensors.data.", subjectPrefix)
}
