package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"idletown/internal/api"
	"idletown/internal/config"
	"idletown/internal/economy"
	"idletown/internal/market"
	"idletown/internal/placement"
	"idletown/internal/session"
	"idletown/internal/store"
	"idletown/internal/world"
)

var _ session.Remote = (*Client)(nil)

// Client talks to the API on behalf of one player.
type Client struct {
	BaseURL  string
	PlayerID string
	HTTP     *http.Client
}

func NewClient(baseURL, playerID string) *Client {
	return &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		PlayerID: playerID,
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// PresenceURL is the websocket endpoint of the presence hub.
func (c *Client) PresenceURL() string {
	u := c.BaseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/v1/presence"
}

func (c *Client) Tunables(ctx context.Context) (config.Tunables, error) {
	var out config.Tunables
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/tunables", "", nil, &out, "")
	return out, err
}

func (c *Client) EnsurePlayer(ctx context.Context, id, name string) (store.PlayerState, error) {
	var out store.PlayerState
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/players", id, map[string]any{"name": name}, &out, "")
	return out, err
}

func (c *Client) GetPlayerState(ctx context.Context, id string) (store.PlayerState, error) {
	var out store.PlayerState
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/players/me", id, nil, &out, "")
	return out, err
}

func (c *Client) UpdatePlayerState(ctx context.Context, id string, p economy.Patch) (store.PlayerState, error) {
	var out store.PlayerState
	err := c.jsonRequest(ctx, http.MethodPatch, "/v1/players/me", id, p, &out, "")
	return out, err
}

func (c *Client) CommitConstruction(ctx context.Context, in store.Construction) (world.Entity, error) {
	var out world.Entity
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/entities", in.OwnerID, map[string]any{
		"type": in.Type,
		"x":    in.X,
		"z":    in.Z,
	}, &out, in.IdempotencyKey)
	return out, err
}

func (c *Client) QueryEntitiesNear(ctx context.Context, x, z, radius float64) ([]world.Entity, error) {
	q := url.Values{}
	q.Set("x", strconv.FormatFloat(x, 'f', -1, 64))
	q.Set("z", strconv.FormatFloat(z, 'f', -1, 64))
	q.Set("radius", strconv.FormatFloat(radius, 'f', -1, 64))
	var out struct {
		Items []world.Entity `json:"items"`
	}
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/entities/nearby?"+q.Encode(), c.PlayerID, nil, &out, "")
	return out.Items, err
}

func (c *Client) ListEntitiesByOwner(ctx context.Context, ownerID string) ([]world.Entity, error) {
	var out struct {
		Items []world.Entity `json:"items"`
	}
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/entities?owner="+url.QueryEscape(ownerID), c.PlayerID, nil, &out, "")
	return out.Items, err
}

func (c *Client) UpgradeEntity(ctx context.Context, ownerID, entityID string) (store.UpgradeResult, error) {
	var out store.UpgradeResult
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/entities/"+url.PathEscape(entityID)+"/upgrade", ownerID, nil, &out, "")
	return out, err
}

func (c *Client) Trade(ctx context.Context, o market.Order) (market.Fill, error) {
	var out market.Fill
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/market/orders", o.PlayerID, map[string]any{
		"symbol":   o.Symbol,
		"side":     o.Side,
		"quantity": o.Quantity,
	}, &out, "")
	return out, err
}

func (c *Client) Transfer(ctx context.Context, fromID, toID string, amount float64) (store.TransferResult, error) {
	var out store.TransferResult
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/transfers", fromID, map[string]any{
		"to":     toID,
		"amount": amount,
	}, &out, "")
	return out, err
}

func (c *Client) Leaderboard(ctx context.Context, limit int) ([]store.LeaderboardRow, error) {
	var out struct {
		Items []store.LeaderboardRow `json:"items"`
	}
	err := c.jsonRequest(ctx, http.MethodGet, fmt.Sprintf("/v1/leaderboard?limit=%d", limit), "", nil, &out, "")
	return out.Items, err
}

func (c *Client) Quotes(ctx context.Context) ([]market.Instrument, error) {
	var out struct {
		Items []market.Instrument `json:"items"`
	}
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/market", "", nil, &out, "")
	return out.Items, err
}

func (c *Client) jsonRequest(ctx context.Context, method, path, playerID string, in any, out any, idem string) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if playerID != "" {
		req.Header.Set(api.PlayerHeader, playerID)
	}
	if idem != "" {
		req.Header.Set("Idempotency-Key", idem)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return decodeAPIError(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// APIError is a non-2xx reply. It matches the domain sentinels named by its
// code with errors.Is, and placement rejections with errors.As.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api status %d", e.Status)
	}
	return fmt.Sprintf("api status %d: %s", e.Status, e.Message)
}

var codeErrors = map[string][]error{
	api.CodeInsufficientFunds:  {placement.ErrInsufficientFunds, market.ErrInsufficientFunds, economy.ErrInsufficientFunds},
	api.CodeProtectedZone:      {placement.ErrProtectedZone},
	api.CodeOccupied:           {placement.ErrOccupied},
	api.CodeCorruptPosition:    {world.ErrCorruptPosition},
	api.CodeNotFound:           {store.ErrNotFound},
	api.CodeNotOwner:           {store.ErrNotOwner},
	api.CodeConflict:           {store.ErrConflict},
	api.CodeMaxLevel:           {world.ErrMaxLevel},
	api.CodeUnknownBuilding:    {world.ErrUnknownBuilding},
	api.CodeUnknownSymbol:      {market.ErrUnknownSymbol},
	api.CodeInvalidQuantity:    {market.ErrInvalidQuantity},
	api.CodeInvalidSide:        {market.ErrInvalidSide},
	api.CodeInsufficientShares: {market.ErrInsufficientShares},
	api.CodeSelfTransfer:       {store.ErrSelfTransfer},
	api.CodeInvalidAmount:      {store.ErrInvalidAmount, economy.ErrInvalidAmount},
	api.CodeInvalidName:        {store.ErrInvalidName},
	api.CodeInvalidAppearance:  {world.ErrInvalidColor, world.ErrUnknownSlot},
}

var codeReasons = map[string]placement.Reason{
	api.CodeInsufficientFunds: placement.InsufficientFunds,
	api.CodeProtectedZone:     placement.ProtectedZone,
	api.CodeOccupied:          placement.Occupied,
}

func (e *APIError) Is(target error) bool {
	for _, s := range codeErrors[e.Code] {
		if s == target {
			return true
		}
	}
	return false
}

func (e *APIError) As(target any) bool {
	p, ok := target.(**placement.Rejection)
	if !ok {
		return false
	}
	reason, ok := codeReasons[e.Code]
	if !ok {
		return false
	}
	*p = &placement.Rejection{Reason: reason}
	return true
}

func decodeAPIError(status int, raw []byte) error {
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return &APIError{Status: status, Message: strings.TrimSpace(string(raw))}
	}
	return &APIError{Status: status, Code: body.Code, Message: body.Error}
}
