package paramstore

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

// fakeAPI serves parameters from a map.
type fakeAPI struct {
	values map[string]string
	err    error
	names  []string
}

func (f *fakeAPI) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.names = append(f.names, *in.Name)
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.values[*in.Name]
	if !ok {
		return nil, &types.ParameterNotFound{}
	}
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: in.Name, Value: &v}}, nil
}

func TestGetParameter(t *testing.T) {
	api := &fakeAPI{values: map[string]string{"/crm/JWT_SECRET": "s3cret"}}
	client, err := New(api)
	require.NoError(t, err)

	v, err := client.GetParameter(context.Background(), " /crm/JWT_SECRET ")
	require.NoError(t, err)
	require.Equal(t, "s3cret", v)

	_, err = client.GetParameter(context.Background(), "/crm/other")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = client.GetParameter(context.Background(), "  ")
	require.ErrorContains(t, err, "required")
}

func TestGetParameter_APIError(t *testing.T) {
	client, err := New(&fakeAPI{err: errors.New("boom")})
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "boom")
	require.NotErrorIs(t, err, ErrNotFound)
}

func TestGetParameter_NotInitialized(t *testing.T) {
	_, err := (&Client{}).GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "not initialized")

	_, err = New(nil)
	require.ErrorContains(t, err, "must not be nil")
}

func TestLoad(t *testing.T) {
	api := &fakeAPI{values: map[string]string{
		"/crm/prod/JWT_SECRET":   "s3cret",
		"/crm/prod/DATABASE_URL": "postgres://db/crm",
	}}
	client, err := New(api)
	require.NoError(t, err)

	values, err := Load(context.Background(), client, "crm/prod", "JWT_SECRET", "DATABASE_URL", "OPENAI_API_KEY")
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"JWT_SECRET":   "s3cret",
		"DATABASE_URL": "postgres://db/crm",
	}, values)
	require.Equal(t, []string{"/crm/prod/JWT_SECRET", "/crm/prod/DATABASE_URL", "/crm/prod/OPENAI_API_KEY"}, api.names)
}

func TestLoad_Failure(t *testing.T) {
	client, err := New(&fakeAPI{err: errors.New("throttled")})
	require.NoError(t, err)
	_, err = Load(context.Background(), client, "/crm", "JWT_SECRET")
	require.ErrorContains(t, err, "throttled")
}
