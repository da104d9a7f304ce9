package shared

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bufHook struct {
	strings.Builder
	closed bool
}

func (b *bufHook) Close() error {
	b.closed = true
	return nil
}

func TestPrinterIndentsEveryLine(t *testing.T) {
	hook := new(bufHook)
	p, err := NewPrinter("> ", hook)
	require.NoError(t, err)

	require.NoError(t, p.Writeln("a\nb", 2))
	assert.Equal(t, "> > a\n> > b\n", hook.String())
}

func TestPrinterLiveLineIsClearedBeforeOutput(t *testing.T) {
	hook := new(bufHook)
	p, err := NewPrinter("", hook)
	require.NoError(t, err)

	require.NoError(t, p.Live("ringing"))
	require.NoError(t, p.Writeln("done", 0))
	require.NoError(t, p.Close())

	assert.Equal(t, "\r\033[Kringing\r\033[Kdone\n", hook.String())
	assert.True(t, hook.closed)
}

func TestNewPrinterRejectsMissingHooks(t *testing.T) {
	_, err := NewPrinter("")
	assert.Error(t, err)

	_, err = NewPrinter("", nil)
	assert.Error(t, err)
}
