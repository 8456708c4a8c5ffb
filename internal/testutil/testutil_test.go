package testutil

import (
	"errors"
	"net/http"
	"testing"
)

func TestAssertStatusCode(t *testing.T) {
	AssertStatusCode(t, http.StatusOK, http.StatusOK)
}

func TestAssertNoError(t *testing.T) {
	AssertNoError(t, nil)
}

func TestAssertErrorDetectsError(t *testing.T) {
	AssertError(t, errors.New("boom"))
}

func TestNewTestRequest(t *testing.T) {
	r := NewTestRequest(http.MethodGet, "/api/nav/state")
	if r.Method != http.MethodGet || r.URL.Path != "/api/nav/state" {
		t.Errorf("unexpected request: %v %v", r.Method, r.URL.Path)
	}
}

func TestNewTestRecorder(t *testing.T) {
	w := NewTestRecorder()
	w.WriteHeader(http.StatusTeapot)
	if w.Code != http.StatusTeapot {
		t.Errorf("recorder code = %d", w.Code)
	}
}
