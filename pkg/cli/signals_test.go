package cli

import (
	"testing"
	"time"
)

func TestSetupSignalHandler(t *testing.T) {
	ctx := SetupSignalHandler()

	// Context should not be cancelled before any signal arrives.
	select {
	case <-ctx.Done():
		t.Error("Context should not be cancelled initially")
	default:
		// Expected
	}

	if ctx.Done() == nil {
		t.Error("Context should have a Done channel")
	}
}

func TestSetupSignalHandlerStaysActive(t *testing.T) {
	// No real signals are sent here: delivering one would also trip the
	// handlers registered by other tests in this process.
	ctx := SetupSignalHandler()

	select {
	case <-ctx.Done():
		t.Error("Context cancelled too early")
	case <-time.After(10 * time.Millisecond):
		// Expected - context should still be active
	}
}

func TestSignalContextDrivesShutdownFlow(t *testing.T) {
	// The run command blocks on this context and drains workers when it
	// cancels; verify the context can back that flow.
	ctx := SetupSignalHandler()

	engineDone := make(chan bool)
	go func() {
		<-ctx.Done()
		engineDone <- true
	}()

	select {
	case <-engineDone:
		t.Error("Engine should not be draining yet")
	case <-time.After(10 * time.Millisecond):
		// Expected
	}
}
