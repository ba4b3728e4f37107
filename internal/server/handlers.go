package server

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"relay-gateway/internal/logger"
)

const maxCommandBody = 256

// TimerStatus is the deferred timer as reported by the status endpoint.
type TimerStatus struct {
	Seconds int64  `json:"seconds"`
	Action  string `json:"action"`
	Running bool   `json:"running"`
}

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	Version         string      `json:"version"`
	DeviceID        string      `json:"device_id"`
	DeviceName      string      `json:"device_name,omitempty"`
	Phase           string      `json:"phase"`
	NetworkPhase    string      `json:"network_phase"`
	SSID            string      `json:"ssid"`
	Serving         bool        `json:"serving"`
	RestartPending  bool        `json:"restart_pending"`
	SerialConnected bool        `json:"serial_connected"`
	SerialPort      string      `json:"serial_port"`
	Timer           TimerStatus `json:"timer"`
	Uptime          string      `json:"uptime"`
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	st := s.opts.State
	slot := st.Timer()
	resp := StatusResponse{
		Version:        s.opts.Version,
		DeviceID:       s.opts.DeviceID,
		DeviceName:     s.opts.DeviceName,
		NetworkPhase:   st.Phase().String(),
		SSID:           st.Credentials().SSID,
		Serving:        st.Serving(),
		RestartPending: st.RestartRequested(),
		Timer: TimerStatus{
			Seconds: slot.DisplaySeconds(),
			Action:  slot.Action.String(),
			Running: slot.Running,
		},
		Uptime: time.Since(s.started).Truncate(time.Second).String(),
	}
	if s.opts.Supervisor != nil {
		resp.Phase = s.opts.Supervisor.Phase().String()
	}
	if s.opts.Serial != nil {
		resp.SerialConnected = s.opts.Serial.Connected()
		resp.SerialPort = s.opts.Serial.PortName()
	}
	writeJSON(w, http.StatusOK, resp)
}

// CommandResponse is the body of POST /api/v1/command. Responded is false for
// rejected lines and commands that produce no reply.
type CommandResponse struct {
	Line      string `json:"line"`
	Response  string `json:"response"`
	Responded bool   `json:"responded"`
}

// handleCommand runs one command line through the dispatcher. The body is
// either {"line": "..."} or the raw line.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody+1))
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	if len(body) > maxCommandBody {
		errorResponse(w, http.StatusRequestEntityTooLarge, "Command too long")
		return
	}

	line := string(body)
	var payload struct {
		Line string `json:"line"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Line != "" {
		line = payload.Line
	}
	line = strings.TrimSpace(line)
	if line == "" {
		errorResponse(w, http.StatusBadRequest, "Missing command line")
		return
	}

	logger.Info("Server: Command '%s' received from admin API.", line)
	resp, ok := s.opts.Dispatcher.Handle(r.Context(), line+"\n")
	writeJSON(w, http.StatusOK, CommandResponse{
		Line:      line,
		Response:  strings.TrimRight(string(resp), "\r\n"),
		Responded: ok,
	})
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Version string `json:"version"`
	}{Version: s.opts.Version})
}

// SettingsResponse is the body of GET /api/v1/settings.
type SettingsResponse struct {
	SSID         string   `json:"ssid"`
	HasPassword  bool     `json:"has_password"`
	AvailableIPs []string `json:"available_ips"`
}

// SettingsRequest is the body of POST /api/v1/settings.
type SettingsRequest struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	ips, err := getAvailableIPs()
	if err != nil {
		logger.Error("Server: Failed to get available IP addresses: %v", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to get IP addresses")
		return
	}
	creds := s.opts.Network.Credentials()
	writeJSON(w, http.StatusOK, SettingsResponse{
		SSID:         creds.SSID,
		HasPassword:  creds.Password != "",
		AvailableIPs: ips,
	})
}

// handlePostSettings stores new station credentials. The gateway rejoins on
// its next supervision step, as if ATNET,SET had been received.
func (s *Server) handlePostSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	req.SSID = strings.TrimSpace(req.SSID)
	if req.SSID == "" {
		errorResponse(w, http.StatusBadRequest, "Missing SSID")
		return
	}

	changed := s.opts.Network.SetCredentials(req.SSID, req.Password)
	if changed {
		logger.Info("Server: Network settings updated via API (ssid '%s').", req.SSID)
	}
	writeJSON(w, http.StatusOK, struct {
		SSID    string `json:"ssid"`
		Changed bool   `json:"changed"`
	}{SSID: req.SSID, Changed: changed})
}

// getAvailableIPs returns a list of local IPv4 addresses.
func getAvailableIPs() ([]string, error) {
	ips := []string{"127.0.0.1", "0.0.0.0"}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipnet.IP.To4() != nil {
				ips = append(ips, ipnet.IP.String())
			}
		}
	}
	return ips, nil
}
