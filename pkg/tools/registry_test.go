package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTool struct {
	name     string
	schema   map[string]interface{}
	caps     []string
	invoked  int
	invokeFn func(ctx context.Context, args map[string]interface{}) (string, error)
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "stub tool" }

func (s *stubTool) Schema() map[string]interface{} {
	if s.schema != nil {
		return s.schema
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (s *stubTool) Capabilities() []string { return s.caps }

func (s *stubTool) Invoke(ctx context.Context, args map[string]interface{}) (string, error) {
	s.invoked++
	if s.invokeFn != nil {
		return s.invokeFn(ctx, args)
	}
	return "ok", nil
}

func TestRegisterDuplicateNameFails(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(&stubTool{name: "echo"}))

	err := r.Register(&stubTool{name: "echo"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateTool)
}

func TestRegisterRejectsMalformedSchema(t *testing.T) {
	r := NewRegistry()

	err := r.Register(&stubTool{
		name: "broken",
		schema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"x": map[string]interface{}{"type": "no-such-type"}},
		},
	})
	assert.Error(t, err)
}

func TestNamesSorted(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&stubTool{name: "zeta"}))
	require.NoError(t, r.Register(&stubTool{name: "alpha"}))

	assert.Equal(t, []string{"alpha", "zeta"}, r.Names())
}

func TestDescriptorsFilterByCapability(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&stubTool{name: "plain"}))
	require.NoError(t, r.Register(&stubTool{name: "needs-net", caps: []string{"network"}}))

	descriptors := r.Descriptors(nil)
	names := descriptorNames(descriptors)
	assert.Equal(t, []string{"plain"}, names)

	descriptors = r.Descriptors(map[string]bool{"network": true})
	names = descriptorNames(descriptors)
	assert.Equal(t, []string{"needs-net", "plain"}, names)
}

func descriptorNames(descriptors []Descriptor) []string {
	names := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		names = append(names, d.Name)
	}
	return names
}
