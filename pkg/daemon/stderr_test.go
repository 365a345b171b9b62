//nolint:testpackage
package daemon

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTag(t *testing.T, w io.Writer, tag uint64) {
	t.Helper()
	require.NoError(t, writeUint64(w, tag))
}

func writeStr(t *testing.T, w io.Writer, s string) {
	t.Helper()
	require.NoError(t, writeString(w, s))
}

func TestProcessStderrDrainsUntilLast(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	writeTag(t, &buf, stderrNext)
	writeStr(t, &buf, "building...")

	writeTag(t, &buf, stderrStartActivity)
	require.NoError(t, writeUint64(&buf, 7))  // activity id
	require.NoError(t, writeUint64(&buf, 3))  // level
	require.NoError(t, writeUint64(&buf, 42)) // type
	writeStr(t, &buf, "copying path")
	require.NoError(t, writeUint64(&buf, 2)) // two fields
	require.NoError(t, writeUint64(&buf, 0)) // int field
	require.NoError(t, writeUint64(&buf, 99))
	require.NoError(t, writeUint64(&buf, 1)) // string field
	writeStr(t, &buf, "some-path")

	writeTag(t, &buf, stderrResult)
	require.NoError(t, writeUint64(&buf, 7))   // activity id
	require.NoError(t, writeUint64(&buf, 105)) // result type
	require.NoError(t, writeUint64(&buf, 0))   // no fields

	writeTag(t, &buf, stderrStopActivity)
	require.NoError(t, writeUint64(&buf, 7))

	writeTag(t, &buf, stderrLast)

	logs := make(chan LogMessage, 16)
	require.NoError(t, ProcessStderr(&buf, protocolVersionMinor, logs))

	require.Len(t, logs, 4)

	m := <-logs
	assert.Equal(t, LogNext, m.Kind)
	assert.Equal(t, "building...", m.Text)

	m = <-logs
	assert.Equal(t, LogStartActivity, m.Kind)
	assert.EqualValues(t, 7, m.ActivityID)
	assert.EqualValues(t, 42, m.ActivityType)
	assert.Equal(t, "copying path", m.Text)
	assert.Equal(t, []string{"99", "some-path"}, m.Fields)

	m = <-logs
	assert.Equal(t, LogResult, m.Kind)

	m = <-logs
	assert.Equal(t, LogStopActivity, m.Kind)
	assert.EqualValues(t, 7, m.ActivityID)
}

func TestProcessStderrNilLogsDiscards(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	writeTag(t, &buf, stderrNext)
	writeStr(t, &buf, "ignored")
	writeTag(t, &buf, stderrLast)

	require.NoError(t, ProcessStderr(&buf, protocolVersionMinor, nil))
}

func TestProcessStderrLegacyError(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	writeTag(t, &buf, stderrError)
	writeStr(t, &buf, "path is not valid")
	require.NoError(t, writeUint64(&buf, 1))

	err := ProcessStderr(&buf, 21, nil)

	var remErr *RemoteError

	require.ErrorAs(t, err, &remErr)
	assert.Equal(t, "path is not valid", remErr.Message)
	assert.Equal(t, 1, remErr.Exit)
}

func TestProcessStderrStructuredError(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	writeTag(t, &buf, stderrError)
	writeStr(t, &buf, "Error") // type tag
	require.NoError(t, writeUint64(&buf, 0))
	writeStr(t, &buf, "Error") // class name
	writeStr(t, &buf, "opening file: no such file or directory")
	require.NoError(t, writeUint64(&buf, 0)) // no position
	require.NoError(t, writeUint64(&buf, 1)) // one trace
	require.NoError(t, writeUint64(&buf, 0)) // trace: no position
	writeStr(t, &buf, "while querying path info")

	err := ProcessStderr(&buf, protocolVersionMinor, nil)

	var remErr *RemoteError

	require.ErrorAs(t, err, &remErr)
	assert.Equal(t, "opening file: no such file or directory", remErr.Message)
	assert.Equal(t, []string{"while querying path info"}, remErr.Traces)
}

func TestProcessStderrUnknownTag(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	writeTag(t, &buf, 0xdeadbeef)

	err := ProcessStderr(&buf, protocolVersionMinor, nil)
	assert.ErrorIs(t, err, ErrMalformedStream)
}

func TestProcessStderrRejectsReadRequest(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	writeTag(t, &buf, stderrRead)
	require.NoError(t, writeUint64(&buf, 4096))

	err := ProcessStderr(&buf, protocolVersionMinor, nil)
	assert.ErrorIs(t, err, ErrMalformedStream)
}

func TestProcessStderrWriteForwarded(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	writeTag(t, &buf, stderrWrite)
	writeStr(t, &buf, "log line from the daemon")
	writeTag(t, &buf, stderrLast)

	logs := make(chan LogMessage, 1)
	require.NoError(t, ProcessStderr(&buf, protocolVersionMinor, logs))

	m := <-logs
	assert.Equal(t, "log line from the daemon", m.Text)
}

func TestProcessStderrFullChannelDoesNotBlock(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	for i := 0; i < 10; i++ {
		writeTag(t, &buf, stderrNext)
		writeStr(t, &buf, "chatter")
	}

	writeTag(t, &buf, stderrLast)

	logs := make(chan LogMessage, 1) // deliberately too small
	require.NoError(t, ProcessStderr(&buf, protocolVersionMinor, logs))
}
