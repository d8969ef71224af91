package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zbridge/pkg/interfaces"
	"zbridge/pkg/types"
)

func TestClassifyName(t *testing.T) {
	tests := []struct {
		name string
		want types.CommandClass
	}{
		{"^ListProducts", types.ClassRead},
		{"^GetOrder", types.ClassRead},
		{"^Count", types.ClassRead},
		{"zFunc.list_products", types.ClassRead},
		{"^SearchUsers", types.ClassRead},
		{"^CreateOrder", types.ClassWrite},
		{"^DeleteUser", types.ClassWrite},
		{"^save_draft", types.ClassWrite},
		{"^Settings", types.ClassOther},
		{"^Ping", types.ClassOther},
		{"^", types.ClassOther},
		{"Getaway", types.ClassOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyName(tt.name))
		})
	}
}

func TestMux_RegisterAndDispatch(t *testing.T) {
	m := NewMux()
	require.NoError(t, m.Register("^ListProducts", ClassAuto, func(ctx context.Context, req *types.DispatchRequest) (any, error) {
		return []string{"apple", "pear"}, nil
	}, WithDescription("all products")))

	res, err := m.Dispatch(context.Background(), &types.DispatchRequest{Command: "^ListProducts"})
	require.NoError(t, err)
	assert.Equal(t, []string{"apple", "pear"}, res)
	assert.Equal(t, types.ClassRead, m.Classify("^ListProducts"))

	info, ok := m.Describe("^ListProducts")
	require.True(t, ok)
	assert.Equal(t, "all products", info.Description)
}

func TestMux_ExplicitClassOverridesConvention(t *testing.T) {
	m := NewMux()
	noop := func(ctx context.Context, req *types.DispatchRequest) (any, error) { return nil, nil }
	require.NoError(t, m.Register("^GetAndIncrement", types.ClassWrite, noop))
	assert.Equal(t, types.ClassWrite, m.Classify("^GetAndIncrement"))
	assert.Equal(t, types.ClassRead, m.Classify("^GetUnregistered"))
}

func TestMux_RegisterValidation(t *testing.T) {
	m := NewMux()
	noop := func(ctx context.Context, req *types.DispatchRequest) (any, error) { return nil, nil }

	assert.ErrorIs(t, m.Register("", types.ClassOther, noop), types.ErrInvalidCommandName)
	assert.ErrorIs(t, m.Register("bad name", types.ClassOther, noop), types.ErrInvalidCommandName)
	assert.Error(t, m.Register("^Nil", types.ClassOther, nil))
	assert.Panics(t, func() { m.MustRegister("", types.ClassOther, noop) })
}

func TestMux_UnknownCommand(t *testing.T) {
	m := NewMux()
	_, err := m.Dispatch(context.Background(), &types.DispatchRequest{Command: "^Missing"})
	assert.True(t, errors.Is(err, interfaces.ErrUnknownCommand))
}

func TestMux_Schema(t *testing.T) {
	m := NewMux()
	m.RegisterSchema("products", map[string]any{"fields": []string{"id", "name"}})
	m.RegisterSchema("orders", map[string]any{"fields": []string{"id"}})

	s, err := m.Schema(context.Background(), "products")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"fields": []string{"id", "name"}}, s)

	list, err := m.Schema(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"models": []string{"orders", "products"}}, list)

	_, err = m.Schema(context.Background(), "users")
	assert.ErrorIs(t, err, interfaces.ErrUnknownModel)
}

func TestMux_CommandsSorted(t *testing.T) {
	m := NewDefaultMux()
	cmds := m.Commands()
	require.Len(t, cmds, 4)
	names := []string{cmds[0].Name, cmds[1].Name, cmds[2].Name, cmds[3].Name}
	assert.Equal(t, []string{"^Echo", "^Ping", "^Prompt", "^Whoami"}, names)
}
