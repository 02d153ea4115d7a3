package taskpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFiberContext_YieldRoundTrip(t *testing.T) {
	var seenFirst any
	ctx := newFiberContext(func(xfer transfer) {
		seenFirst = xfer.Data()
		xfer = xfer.yieldTo("from-task-1")
		_ = xfer.Data()
		xfer.yieldTo("from-task-2")
	})

	xfer := ctx.yieldTo("from-worker-1")
	require.Equal(t, "from-task-1", xfer.Data())
	require.Equal(t, "from-worker-1", seenFirst)

	xfer = ctx.yieldTo("from-worker-2")
	require.Equal(t, "from-task-2", xfer.Data())
}
