package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/brainDensed/theramine-session/internal/domain"
)

// ErrNoHistory is returned when a room has no archived snapshot.
var ErrNoHistory = errors.New("client: no history for room")

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	if c.cfg.HistoryURL == "" {
		return errors.New("client: no history url configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.HistoryURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("history request failed: %w", err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("failed to decode history response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrNoHistory
	}
	if !env.Success {
		msg := "unknown error"
		if env.Error != nil {
			msg = env.Error.Message
		}
		return fmt.Errorf("history request failed: %s", msg)
	}

	return json.Unmarshal(env.Data, out)
}

// LoadHistory fetches the room's current archived snapshot.
func (c *Client) LoadHistory(ctx context.Context, roomID string) (*domain.Snapshot, error) {
	var snap domain.Snapshot
	if err := c.getJSON(ctx, "/api/v1/rooms/"+url.PathEscape(roomID)+"/history", &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ListRooms fetches archive metadata for every room this participant has
// history in.
func (c *Client) ListRooms(ctx context.Context) ([]domain.RoomArchiveInfo, error) {
	participant := c.cfg.UserID
	if participant == "" {
		participant = c.cfg.TherapistID
	}

	var data struct {
		Rooms []domain.RoomArchiveInfo `json:"rooms"`
	}
	if err := c.getJSON(ctx, "/api/v1/rooms?participant="+url.QueryEscape(participant), &data); err != nil {
		return nil, err
	}
	return data.Rooms, nil
}
