package telemetry

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerialize_GzipJSONLines(t *testing.T) {
	when := time.Date(2026, 1, 7, 12, 0, 0, 0, time.UTC)
	payload, err := serialize([]envelope{
		{Name: "startup", Time: when, Properties: map[string]string{"a": "b"}},
		{Name: "exception", Time: when, Exception: &exceptionDetails{Type: "E", Message: "boom"}},
	})
	require.NoError(t, err)

	zr, err := gzip.NewReader(bytes.NewReader(payload))
	require.NoError(t, err)
	defer zr.Close()

	var got []envelope
	scanner := bufio.NewScanner(zr)
	for scanner.Scan() {
		var env envelope
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &env))
		got = append(got, env)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, got, 2)

	assert.Equal(t, "startup", got[0].Name)
	assert.True(t, when.Equal(got[0].Time))
	assert.Equal(t, "b", got[0].Properties["a"])
	require.NotNil(t, got[1].Exception)
	assert.Equal(t, "boom", got[1].Exception.Message)
}

func TestSerialize_Empty(t *testing.T) {
	payload, err := serialize(nil)
	require.NoError(t, err)

	zr, err := gzip.NewReader(bytes.NewReader(payload))
	require.NoError(t, err)
	defer zr.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(zr)
	require.NoError(t, err)
	assert.Zero(t, buf.Len())
}
