package jsonrpcserver

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHandler_ServeHTTP(t *testing.T) {
	var (
		errorArg = -1
		errorOut = errors.New("custom error") //nolint:goerr113
	)
	handlerMethod := func(ctx context.Context, arg1 int) (dummyStruct, error) {
		if arg1 == errorArg {
			return dummyStruct{}, errorOut
		}
		return dummyStruct{arg1}, nil
	}

	handler, err := NewHandler(map[string]interface{}{
		"function": handlerMethod,
	})
	require.NoError(t, err)

	testCases := map[string]struct {
		requestBody      string
		expectedResponse string
	}{
		"success": {
			requestBody:      `{"jsonrpc":"2.0","id":1,"method":"function","params":[1]}`,
			expectedResponse: `{"jsonrpc":"2.0","id":1,"result":{"field":1}}`,
		},
		"error": {
			requestBody:      `{"jsonrpc":"2.0","id":1,"method":"function","params":[-1]}`,
			expectedResponse: `{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"custom error"}}`,
		},
		"invalid json": {
			requestBody:      `{"jsonrpc":"2.0","id":1,"method":"function","params":[1]`,
			expectedResponse: `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"unexpected EOF"}}`,
		},
		"method not found": {
			requestBody:      `{"jsonrpc":"2.0","id":1,"method":"not_found","params":[1]}`,
			expectedResponse: `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`,
		},
		"invalid params": {
			requestBody:      `{"jsonrpc":"2.0","id":1,"method":"function","params":[1,2]}`,
			expectedResponse: `{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"too much arguments"}}`,
		},
		"invalid params type": {
			requestBody:      `{"jsonrpc":"2.0","id":1,"method":"function","params":["1"]}`,
			expectedResponse: `{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"json: cannot unmarshal string into Go value of type int"}}`,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			body := bytes.NewReader([]byte(testCase.requestBody))
			request, err := http.NewRequest(http.MethodPost, "/", body)
			require.NoError(t, err)

			rr := httptest.NewRecorder()

			handler.ServeHTTP(rr, request)
			require.Equal(t, http.StatusOK, rr.Code)

			require.JSONEq(t, testCase.expectedResponse, rr.Body.String())
		})
	}
}

func TestDeadlineHeader(t *testing.T) {
	var seen time.Duration
	handler, err := NewHandler(map[string]interface{}{
		"function": func(ctx context.Context) (bool, error) {
			seen = GetDeadline(ctx)
			return true, nil
		},
	})
	require.NoError(t, err)

	request, err := http.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte(`{"jsonrpc":"2.0","id":1,"method":"function","params":[]}`)))
	require.NoError(t, err)
	request.Header.Set("x-deadline-ms", "1500")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, request)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 1500*time.Millisecond, seen)
}

func TestDeadlineHeaderInvalid(t *testing.T) {
	handler, err := NewHandler(map[string]interface{}{
		"function": func(ctx context.Context) (bool, error) {
			return true, nil
		},
	})
	require.NoError(t, err)

	for _, value := range []string{"-5", "0", "abc", "90000000"} {
		request, err := http.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte(`{"jsonrpc":"2.0","id":1,"method":"function","params":[]}`)))
		require.NoError(t, err)
		request.Header.Set("x-deadline-ms", value)

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, request)
		require.JSONEq(t, `{"jsonrpc":"2.0","id":1,"error":{"code":-32600,"message":"invalid x-deadline-ms header"}}`, rr.Body.String())
	}
}

func TestDeadlineAbsentDefaultsToZero(t *testing.T) {
	require.Equal(t, time.Duration(0), GetDeadline(context.Background()))
}

func TestPriorityHeader(t *testing.T) {
	var prio bool
	handler, err := NewHandler(map[string]interface{}{
		"function": func(ctx context.Context) (bool, error) {
			prio = GetPriority(ctx)
			return true, nil
		},
	})
	require.NoError(t, err)

	request, err := http.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte(`{"jsonrpc":"2.0","id":1,"method":"function","params":[]}`)))
	require.NoError(t, err)
	request.Header.Set("high_prio", "true")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, request)
	require.True(t, prio)
}
