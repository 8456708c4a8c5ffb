package monitoring

import "testing"

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) { called = true })
	Logf("test message")
	if !called {
		t.Error("custom logger was not called")
	}

	// nil installs a no-op, not a panic.
	SetLogger(nil)
	Logf("dropped message")

	called = false
	SetLogger(func(string, ...interface{}) { called = true })
	Logf("test")
	if !called {
		t.Error("replacement logger after nil was not called")
	}
}

func TestLogfDefault(t *testing.T) {
	if Logf == nil {
		t.Fatal("Logf should not be nil by default")
	}
	Logf("test message: %s", "value")
}
