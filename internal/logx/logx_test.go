package logx

import (
	"testing"

	"go.uber.org/zap"
)

func TestDefaultIsNop(t *testing.T) {
	if Logger() == nil {
		t.Fatalf("Logger() returned nil")
	}
	// Must not panic without any configuration.
	Logger().Info("quiet")
}

func TestSetLogger(t *testing.T) {
	custom := zap.NewNop()
	SetLogger(custom)
	if Logger() != custom {
		t.Fatalf("SetLogger did not install the logger")
	}
	SetLogger(nil)
	if Logger() == nil {
		t.Fatalf("SetLogger(nil) must restore a usable logger")
	}
}
