package monitor

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/attitude.report/internal/monitoring"
	"github.com/banshee-data/attitude.report/internal/nav"
)

// WebServer exposes the live estimator state over HTTP: JSON endpoints for
// tooling, a websocket stream for the live view, and echarts debug pages for
// quick innovation inspection without the full UI.
type WebServer struct {
	address string
	server  *http.Server

	mu       sync.RWMutex
	latest   StateSnapshot
	haveData bool

	clientsMu sync.Mutex
	clients   map[*websocket.Conn]struct{}

	history *snapshotRing
}

// WebServerConfig contains configuration options for the web server.
type WebServerConfig struct {
	Address     string
	HistorySize int // snapshots kept for the chart endpoints (default 4096)
}

// StateSnapshot is the JSON document published per prediction tick.
type StateSnapshot struct {
	TimeUs uint64 `json:"time_us"`

	Quat [4]float64 `json:"quat"`
	Roll float64    `json:"roll"`
	Pitch float64   `json:"pitch"`
	Yaw  float64    `json:"yaw"`

	VelNED [3]float64 `json:"vel_ned"`
	PosNED [3]float64 `json:"pos_ned"`
	WindNE [2]float64 `json:"wind_ne"`

	GyroBias  [3]float64 `json:"gyro_bias"`
	AccelBias [3]float64 `json:"accel_bias"`

	VelPosInnov    [6]float64 `json:"vel_pos_innov"`
	VelPosInnovVar [6]float64 `json:"vel_pos_innov_var"`
	MagInnov       [3]float64 `json:"mag_innov"`
	HeadingInnov   float64    `json:"heading_innov"`

	ControlStatus  uint32 `json:"control_status"`
	FaultStatus    uint16 `json:"fault_status"`
	SolutionStatus uint16 `json:"solution_status"`
	GPSCheckFail   uint16 `json:"gps_check_fail"`

	TrackingError [3]float64 `json:"output_tracking_error"`
}

// Snapshot extracts the publishable state from an estimator.
func Snapshot(e *nav.Ekf, timeUs uint64) StateSnapshot {
	st := e.StateAtFusionHorizon()
	roll, pitch, yaw := e.Quaternion().Euler()
	gb := e.GyroBias()
	ab := e.AccelBias()
	headingInnov, _ := e.HeadingInnov()
	magInnov := e.MagInnov()

	return StateSnapshot{
		TimeUs:         timeUs,
		Quat:           [4]float64(st.Quat),
		Roll:           roll,
		Pitch:          pitch,
		Yaw:            yaw,
		VelNED:         [3]float64(e.VelocityNED()),
		PosNED:         [3]float64(e.PositionNED()),
		WindNE:         [2]float64(st.WindNE),
		GyroBias:       [3]float64(gb),
		AccelBias:      [3]float64(ab),
		VelPosInnov:    e.VelPosInnov(),
		VelPosInnovVar: e.VelPosInnovVar(),
		MagInnov:       [3]float64(magInnov),
		HeadingInnov:   headingInnov,
		ControlStatus:  e.ControlStatusWord(),
		FaultStatus:    e.FilterFault(),
		SolutionStatus: e.SolutionStatus(),
		GPSCheckFail:   e.GPSCheckStatus(),
		TrackingError:  e.OutputTrackingError(),
	}
}

// NewWebServer creates a web server; call Publish per tick and Start once.
func NewWebServer(config WebServerConfig) *WebServer {
	size := config.HistorySize
	if size <= 0 {
		size = 4096
	}
	return &WebServer{
		address: config.Address,
		clients: map[*websocket.Conn]struct{}{},
		history: newSnapshotRing(size),
	}
}

// Publish records a new snapshot and fans it out to websocket listeners.
func (ws *WebServer) Publish(s StateSnapshot) {
	ws.mu.Lock()
	ws.latest = s
	ws.haveData = true
	ws.mu.Unlock()
	ws.history.push(s)

	payload, err := json.Marshal(s)
	if err != nil {
		return
	}
	ws.clientsMu.Lock()
	for c := range ws.clients {
		if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
			c.Close()
			delete(ws.clients, c)
		}
	}
	ws.clientsMu.Unlock()
}

// ServeMux returns the route table.
func (ws *WebServer) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/nav/state", ws.handleState)
	mux.HandleFunc("/api/nav/status", ws.handleStatus)
	mux.HandleFunc("/api/nav/innovations", ws.handleInnovations)
	mux.HandleFunc("/ws", ws.handleWebsocket)
	mux.HandleFunc("/debug/innovations", ws.handleInnovationCharts)
	mux.HandleFunc("/debug/nis", ws.handleNISChart)
	return mux
}

// Start runs the HTTP server until the listener fails.
func (ws *WebServer) Start() error {
	ws.server = &http.Server{
		Addr:         ws.address,
		Handler:      ws.ServeMux(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	monitoring.Logf("monitor: listening on %s", ws.address)
	return ws.server.ListenAndServe()
}

func (ws *WebServer) handleState(w http.ResponseWriter, r *http.Request) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	if !ws.haveData {
		ws.writeJSONError(w, http.StatusNotFound, "no estimator data yet")
		return
	}
	ws.writeJSON(w, http.StatusOK, ws.latest)
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	if !ws.haveData {
		ws.writeJSONError(w, http.StatusNotFound, "no estimator data yet")
		return
	}
	ws.writeJSON(w, http.StatusOK, map[string]interface{}{
		"time_us":         ws.latest.TimeUs,
		"control_status":  ws.latest.ControlStatus,
		"fault_status":    ws.latest.FaultStatus,
		"solution_status": ws.latest.SolutionStatus,
		"gps_check_fail":  ws.latest.GPSCheckFail,
	})
}

func (ws *WebServer) handleInnovations(w http.ResponseWriter, r *http.Request) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	if !ws.haveData {
		ws.writeJSONError(w, http.StatusNotFound, "no estimator data yet")
		return
	}
	ws.writeJSON(w, http.StatusOK, map[string]interface{}{
		"vel_pos":     ws.latest.VelPosInnov,
		"vel_pos_var": ws.latest.VelPosInnovVar,
		"mag":         ws.latest.MagInnov,
		"heading":     ws.latest.HeadingInnov,
	})
}

var upgrader = websocket.Upgrader{
	// The monitor is a local debugging surface; origin checks stay open like
	// the rest of the debug endpoints.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ws *WebServer) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		monitoring.Logf("monitor: websocket upgrade failed: %v", err)
		return
	}
	ws.clientsMu.Lock()
	ws.clients[conn] = struct{}{}
	ws.clientsMu.Unlock()

	// Drain (and discard) client messages so pings are answered.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				ws.clientsMu.Lock()
				delete(ws.clients, conn)
				ws.clientsMu.Unlock()
				conn.Close()
				return
			}
		}
	}()
}

func (ws *WebServer) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		monitoring.Logf("monitor: failed to encode response: %v", err)
	}
}

func (ws *WebServer) writeJSONError(w http.ResponseWriter, status int, msg string) {
	ws.writeJSON(w, status, map[string]string{"error": msg})
}

// snapshotRing is a fixed-size history of snapshots for the chart endpoints.
type snapshotRing struct {
	mu   sync.RWMutex
	buf  []StateSnapshot
	next int
	full bool
}

func newSnapshotRing(n int) *snapshotRing {
	return &snapshotRing{buf: make([]StateSnapshot, n)}
}

func (r *snapshotRing) push(s StateSnapshot) {
	r.mu.Lock()
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// series returns the buffered snapshots oldest first.
func (r *snapshotRing) series() []StateSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.full {
		return append([]StateSnapshot(nil), r.buf[:r.next]...)
	}
	out := make([]StateSnapshot, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}
