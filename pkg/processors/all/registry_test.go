package all

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/prepender/pkg/processor"
	"github.com/wehubfusion/prepender/pkg/processors/prependrandom"
)

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()

	assert.Equal(t, []string{prependrandom.Type}, r.RegisteredTypes())

	p, err := r.Create(prependrandom.Type, processor.Config{})
	require.NoError(t, err)
	assert.Equal(t, []processor.Relationship{processor.Success}, p.Relationships())
}
