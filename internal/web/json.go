package web

import (
	"encoding/json"
	"net/http"
)

// CommandResponse is the JSON reply to a command request.
type CommandResponse struct {
	OK      bool   `json:"ok"`
	Command string `json:"command"`
	Error   string `json:"error,omitempty"`
}

// wsEnvelope wraps every websocket message.
type wsEnvelope struct {
	Type  string      `json:"type"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

func writeCommand(w http.ResponseWriter, code int, command string, err error) {
	resp := CommandResponse{OK: err == nil, Command: command}
	if err != nil {
		resp.Error = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}
