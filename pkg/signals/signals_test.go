package signals

import (
	"testing"
	"time"
)

func TestSetupSignalContext_StopCancels(t *testing.T) {
	ctx, stop := SetupSignalContext()
	defer stop()

	select {
	case <-ctx.Done():
		t.Fatal("expected the context to still be live before stop is called")
	case <-time.After(10 * time.Millisecond):
	}

	stop()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("expected stop to cancel the context")
	}
}
