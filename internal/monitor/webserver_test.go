package monitor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/banshee-data/attitude.report/internal/testutil"
)

func testSnapshot(timeUs uint64) StateSnapshot {
	return StateSnapshot{
		TimeUs:      timeUs,
		Quat:        [4]float64{1, 0, 0, 0},
		VelNED:      [3]float64{1, 2, 3},
		VelPosInnov: [6]float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6},
		VelPosInnovVar: [6]float64{1, 1, 1, 1, 1, 1},
	}
}

func TestStateEndpoint(t *testing.T) {
	ws := NewWebServer(WebServerConfig{Address: ":0"})
	srv := httptest.NewServer(ws.ServeMux())
	defer srv.Close()

	// Before any publish: 404.
	resp, err := http.Get(srv.URL + "/api/nav/state")
	testutil.AssertNoError(t, err)
	resp.Body.Close()
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusNotFound)

	ws.Publish(testSnapshot(123456))

	resp, err = http.Get(srv.URL + "/api/nav/state")
	testutil.AssertNoError(t, err)
	defer resp.Body.Close()
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusOK)

	var got StateSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.TimeUs != 123456 || got.VelNED != [3]float64{1, 2, 3} {
		t.Errorf("unexpected snapshot: %+v", got)
	}
}

func TestStatusEndpoint(t *testing.T) {
	ws := NewWebServer(WebServerConfig{Address: ":0"})
	srv := httptest.NewServer(ws.ServeMux())
	defer srv.Close()

	s := testSnapshot(99)
	s.FaultStatus = 0x8
	ws.Publish(s)

	resp, err := http.Get(srv.URL + "/api/nav/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var got map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got["fault_status"].(float64) != 8 {
		t.Errorf("fault_status = %v, want 8", got["fault_status"])
	}
}

func TestInnovationChartsRender(t *testing.T) {
	ws := NewWebServer(WebServerConfig{Address: ":0", HistorySize: 16})
	srv := httptest.NewServer(ws.ServeMux())
	defer srv.Close()

	for i := 0; i < 20; i++ { // overflow the ring on purpose
		ws.Publish(testSnapshot(uint64(i) * 8000))
	}

	for _, path := range []string{"/debug/innovations", "/debug/nis"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		body := make([]byte, 1024)
		n, _ := resp.Body.Read(body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d", path, resp.StatusCode)
		}
		if !strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
			t.Errorf("%s content type = %s", path, resp.Header.Get("Content-Type"))
		}
		if n == 0 {
			t.Errorf("%s returned an empty body", path)
		}
	}
}

func TestSnapshotRingOrder(t *testing.T) {
	r := newSnapshotRing(4)
	for i := 1; i <= 6; i++ {
		r.push(StateSnapshot{TimeUs: uint64(i)})
	}
	got := r.series()
	if len(got) != 4 {
		t.Fatalf("series len = %d, want 4", len(got))
	}
	for i, s := range got {
		if s.TimeUs != uint64(i+3) {
			t.Errorf("series[%d].TimeUs = %d, want %d", i, s.TimeUs, i+3)
		}
	}
}
