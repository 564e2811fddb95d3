package jsonrpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type ctxKey string

type dummyStruct struct {
	Field int `json:"field"`
}

func rawParams(raw string) []json.RawMessage {
	var params []json.RawMessage
	err := json.Unmarshal([]byte(raw), &params)
	if err != nil {
		panic(err)
	}
	return params
}

func TestGetMethodTypes(t *testing.T) {
	funcWithTypes := func(ctx context.Context, arg1 int, arg2 float32) error {
		return nil
	}
	methodTypes, err := getMethodTypes(funcWithTypes)
	require.NoError(t, err)
	require.Equal(t, 3, len(methodTypes.in))
	require.Equal(t, 1, len(methodTypes.out))

	funcWithoutArgs := func(ctx context.Context) error {
		return nil
	}
	_, err = getMethodTypes(funcWithoutArgs)
	require.NoError(t, err)

	funcWithoutCtx := func(arg1 int, arg2 float32) error {
		return nil
	}
	_, err = getMethodTypes(funcWithoutCtx)
	require.ErrorIs(t, err, ErrMustHaveContext)

	funcWithoutError := func(ctx context.Context, arg1 int, arg2 float32) (int, float32) {
		return 0, 0
	}
	_, err = getMethodTypes(funcWithoutError)
	require.ErrorIs(t, err, ErrMustReturnError)

	funcWithTooManyReturnValues := func(ctx context.Context, arg1 int, arg2 float32) (int, float32, error) {
		return 0, 0, nil
	}
	_, err = getMethodTypes(funcWithTooManyReturnValues)
	require.ErrorIs(t, err, ErrTooManyReturnValues)

	_, err = getMethodTypes(42)
	require.ErrorIs(t, err, ErrNotFunction)
}

func TestExtractArgumentsFromJSON(t *testing.T) {
	funcWithTypes := func(context.Context, int, float32, []int, dummyStruct) error {
		return nil
	}
	methodTypes, err := getMethodTypes(funcWithTypes)
	require.NoError(t, err)

	jsonArgs := rawParams(`[1, 2.0, [2, 3, 5], {"field": 11}]`)
	args, err := extractArgumentsFromJSONparamsArray(methodTypes.in[1:], jsonArgs)
	require.NoError(t, err)
	require.Equal(t, 4, len(args))
	require.Equal(t, int(1), args[0].Interface())
	require.Equal(t, float32(2.0), args[1].Interface())
	require.Equal(t, []int{2, 3, 5}, args[2].Interface())
	require.Equal(t, dummyStruct{Field: 11}, args[3].Interface())

	// missing params decode to zero values
	args, err = extractArgumentsFromJSONparamsArray(methodTypes.in[1:], rawParams(`[1]`))
	require.NoError(t, err)
	require.Equal(t, 4, len(args))
	require.Equal(t, float32(0), args[1].Interface())

	// more params than arguments is an error
	_, err = extractArgumentsFromJSONparamsArray(methodTypes.in[1:], rawParams(`[1, 2.0, [1], {}, 5]`))
	require.ErrorIs(t, err, ErrTooMuchArguments)
}

func TestCall(t *testing.T) {
	var (
		errorArg = 0
		errorOut = errors.New("function error") //nolint:goerr113
	)
	funcWithTypes := func(ctx context.Context, arg int) (dummyStruct, error) {
		value := ctx.Value(ctxKey("key")).(string) //nolint:forcetypeassert
		require.Equal(t, "value", value)

		if arg == errorArg {
			return dummyStruct{}, errorOut
		}
		return dummyStruct{arg}, nil
	}
	methodTypes, err := getMethodTypes(funcWithTypes)
	require.NoError(t, err)

	ctx := context.WithValue(context.Background(), ctxKey("key"), "value")

	result, err := methodTypes.call(ctx, rawParams(`[1]`))
	require.NoError(t, err)
	require.Equal(t, dummyStruct{1}, result)

	result, err = methodTypes.call(ctx, rawParams(fmt.Sprintf(`[%d]`, errorArg)))
	require.ErrorIs(t, err, errorOut)
	require.Equal(t, dummyStruct{}, result)
}
