package di

import (
	"context"
	"testing"
	"time"

	"fleet/internal/config"
)

func TestNotificationChannelsPrefersConfiguredEmail(t *testing.T) {
	chans := notificationChannels(config.NotifyConfig{
		EmailAPIURL: "https://mail.example.com/send",
		EmailFrom:   "fleet@example.com",
		SendTimeout: time.Second,
	})
	if len(chans) != 2 {
		t.Fatalf("channels = %d, want webhook + email", len(chans))
	}
	names := map[string]bool{}
	for _, ch := range chans {
		names[ch.Name()] = true
	}
	if !names["webhook"] || !names["email"] {
		t.Errorf("channel names = %v", names)
	}
}

func TestNotificationChannelsFallBackToLogEmail(t *testing.T) {
	chans := notificationChannels(config.NotifyConfig{SendTimeout: time.Second})
	if len(chans) != 2 {
		t.Fatalf("channels = %d, want webhook + log email", len(chans))
	}
	// The fallback still answers to "email" so run destinations keep
	// routing without a configured provider.
	found := false
	for _, ch := range chans {
		if ch.Name() == "email" {
			found = true
		}
	}
	if !found {
		t.Error("no email-named channel in fallback set")
	}
}

func TestCleanupToleratesEmptyContainer(t *testing.T) {
	var c *Container
	if err := c.Cleanup(); err != nil {
		t.Errorf("nil container cleanup: %v", err)
	}
	if err := (&Container{}).Cleanup(); err != nil {
		t.Errorf("zero container cleanup: %v", err)
	}
	if err := (&WorkerContainer{}).Cleanup(); err != nil {
		t.Errorf("zero worker container cleanup: %v", err)
	}
}

func TestBuildContainerHonoursContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := &config.Config{
		DatabaseURL: "postgres://127.0.0.1:1/fleet",
		HTTPPort:    8080,
	}
	if _, err := BuildContainer(ctx, cfg); err == nil {
		t.Fatal("BuildContainer succeeded against an unreachable database with a dead context")
	}
}
