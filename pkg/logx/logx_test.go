package logx

import (
	"os"
	"testing"
)

func TestEnvironmentVariableConfiguration(t *testing.T) {
	os.Setenv("DEBUG", "1")
	os.Setenv("DEBUG_DOMAINS", "bus,dispatch")

	initDebugFromEnv()

	if !IsDebugEnabled() {
		t.Error("Expected debug to be enabled via DEBUG=1")
	}
	if !IsDebugEnabledForDomain("bus") {
		t.Error("Expected bus domain to be enabled")
	}
	if !IsDebugEnabledForDomain("dispatch") {
		t.Error("Expected dispatch domain to be enabled")
	}
	if IsDebugEnabledForDomain("loop") {
		t.Error("Expected loop domain to be disabled")
	}

	os.Unsetenv("DEBUG")
	os.Unsetenv("DEBUG_DOMAINS")
	SetDebugConfig(false, nil)
}

func TestDomainFiltering(t *testing.T) {
	SetDebugConfig(true, nil)
	if !IsDebugEnabledForDomain("anything") {
		t.Error("Expected all domains enabled when no filter is set")
	}

	SetDebugConfig(true, []string{"gate"})
	if !IsDebugEnabledForDomain("gate") {
		t.Error("Expected gate domain to be enabled")
	}
	if IsDebugEnabledForDomain("bus") {
		t.Error("Expected bus domain to be filtered out")
	}

	SetDebugConfig(false, nil)
	if IsDebugEnabledForDomain("gate") {
		t.Error("Expected all domains disabled when debug is off")
	}
}
