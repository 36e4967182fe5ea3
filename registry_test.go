package mixpanel

import (
	"testing"
	"time"
)

func TestInstanceReturnsSameClientPerToken(t *testing.T) {
	t.Cleanup(ResetRegistry)
	opts := []Option{
		WithDataDir(t.TempDir()),
		WithSender(&captureSender{}),
		WithFlushInterval(time.Hour),
		WithLogger(testLogger()),
	}

	a, err := Instance("token-a", opts...)
	if err != nil {
		t.Fatalf("instance: %v", err)
	}
	again, err := Instance("token-a")
	if err != nil {
		t.Fatalf("instance: %v", err)
	}
	if a != again {
		t.Fatal("same token produced different clients")
	}

	b, err := Instance("token-b",
		WithDataDir(t.TempDir()),
		WithSender(&captureSender{}),
		WithFlushInterval(time.Hour),
		WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("instance: %v", err)
	}
	if a == b {
		t.Fatal("different tokens share a client")
	}
}

func TestResetRegistryDropsClients(t *testing.T) {
	t.Cleanup(ResetRegistry)
	dir := t.TempDir()
	opts := []Option{
		WithDataDir(dir),
		WithSender(&captureSender{}),
		WithFlushInterval(time.Hour),
		WithLogger(testLogger()),
	}

	a, err := Instance("token-a", opts...)
	if err != nil {
		t.Fatalf("instance: %v", err)
	}
	ResetRegistry()

	b, err := Instance("token-a", opts...)
	if err != nil {
		t.Fatalf("instance after reset: %v", err)
	}
	if a == b {
		t.Fatal("reset did not evict the client")
	}
}
