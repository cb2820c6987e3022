package visitation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSubmitter struct {
	name  string
	input State
	err   error
}

func (r *recordingSubmitter) Submit(_ context.Context, name string, input State) (string, error) {
	r.name = name
	r.input = input
	return "handle-" + name, r.err
}

func testRegistry() *Registry {
	return NewRegistry(map[string]Factory{"sample": newSample},
		WithNameGenerator(NewSequenceGenerator("0001", "0002")))
}

func TestRegistry_NamesAndNew(t *testing.T) {
	r := NewRegistry(map[string]Factory{"b": newSample, "a": newSample})
	assert.Equal(t, []string{"a", "b"}, r.Names())

	v, err := r.New("a")
	require.NoError(t, err)
	assert.Equal(t, "a", v.Core().ClassName)

	_, err = r.New("zzz")
	assert.True(t, IsUnknownVisitation(err))
}

func TestRegistry_Load(t *testing.T) {
	r := testRegistry()
	s := State{}
	require.NoError(t, s.Set(FieldClassName, "sample"))
	require.NoError(t, s.Set("bucket", "b1"))

	v, err := r.Load(s, Env{})
	require.NoError(t, err)
	assert.Equal(t, "b1", v.(*sample).Bucket)

	_, err = r.Load(State{}, Env{})
	assert.True(t, IsValidation(err))
}

func TestRegistry_Start(t *testing.T) {
	r := testRegistry()
	sub := &recordingSubmitter{}

	exec, err := r.Start(context.Background(), sub, "sample", StartParams{
		Replica:         "aws",
		Bucket:          "b1",
		NumberOfWorkers: 4,
		Extra:           map[string]any{"limit": 9, "undeclared": "dropped"},
	})
	require.NoError(t, err)

	assert.Equal(t, "sample--0001", exec.Name)
	assert.Equal(t, "handle-sample--0001", exec.Handle)
	assert.Equal(t, exec.Name, sub.name)

	in := sub.input
	assert.JSONEq(t, `"sample"`, string(in[FieldClassName]))
	assert.JSONEq(t, `"init"`, string(in[FieldStatus]))
	assert.JSONEq(t, `4`, string(in[FieldNumberOfWorkers]))
	assert.JSONEq(t, `"aws"`, string(in["replica"]))
	assert.JSONEq(t, `9`, string(in["limit"]))
	assert.NotContains(t, in, "undeclared")

	second, err := r.Start(context.Background(), sub, "sample", StartParams{NumberOfWorkers: 1})
	require.NoError(t, err)
	assert.Equal(t, "sample--0002", second.Name)
}

func TestRegistry_StartValidation(t *testing.T) {
	r := testRegistry()
	sub := &recordingSubmitter{}

	_, err := r.Start(context.Background(), sub, "sample", StartParams{NumberOfWorkers: 0})
	assert.True(t, IsValidation(err))

	_, err = r.Start(context.Background(), sub, "missing", StartParams{NumberOfWorkers: 1})
	assert.True(t, IsUnknownVisitation(err))

	_, err = r.Start(context.Background(), sub, "sample", StartParams{
		NumberOfWorkers: 1,
		Extra:           map[string]any{"limit": "not a number"},
	})
	assert.True(t, IsValidation(err))
}

func TestRegistry_StartSubmitError(t *testing.T) {
	r := testRegistry()
	boom := errors.New("boom")

	_, err := r.Start(context.Background(), &recordingSubmitter{err: boom}, "sample", StartParams{NumberOfWorkers: 1})
	assert.ErrorIs(t, err, boom)
}

func TestUUIDv7Generator_Unique(t *testing.T) {
	g := UUIDv7Generator{}
	a, b := g.Generate(), g.Generate()
	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b)
}

func TestSequenceGenerator_PanicsWhenExhausted(t *testing.T) {
	g := NewSequenceGenerator("x")
	assert.Equal(t, "x", g.Generate())
	assert.Panics(t, func() { g.Generate() })
}

func TestParseParams(t *testing.T) {
	got, err := ParseParams([]byte(`{"dryrun":true}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"dryrun": true}, got)

	got, err = ParseParams(nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = ParseParams([]byte(`[`))
	assert.Error(t, err)
}
