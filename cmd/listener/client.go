package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/satriahrh/lyeria/server/internal/api"
	"github.com/satriahrh/lyeria/server/internal/room"
)

// apiClient talks to the room HTTP API
type apiClient struct {
	base *url.URL
	http *http.Client
}

func newAPIClient(server string) (*apiClient, error) {
	base, err := url.Parse(server)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	return &apiClient{base: base, http: &http.Client{Timeout: 10 * time.Second}}, nil
}

func (c *apiClient) createRoom() (api.CreateRoomResponse, error) {
	var resp api.CreateRoomResponse
	err := c.post("/api/rooms", nil, http.StatusCreated, &resp)
	return resp, err
}

func (c *apiClient) joinRoom(roomID, preferredRole string) (room.JoinResult, error) {
	var resp room.JoinResult
	err := c.post("/api/rooms/"+roomID+"/join", api.JoinRequest{PreferredRole: preferredRole}, http.StatusOK, &resp)
	return resp, err
}

func (c *apiClient) post(path string, body any, wantStatus int, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(http.MethodPost, c.base.JoinPath(path).String(), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		var apiErr api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", apiErr.Error, apiErr.Message)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// dial opens one of the room sockets, kind being control or audio
func (c *apiClient) dial(joined room.JoinResult, kind string) (*websocket.Conn, error) {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws/rooms/" + joined.RoomID + "/" + kind
	u.RawQuery = url.Values{"token": {joined.Token}}.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s socket: %w", kind, err)
	}
	return conn, nil
}
