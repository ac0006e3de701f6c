// Package courier предоставляет HTTP-клиент API курьерской службы.
package courier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/shipgate/internal/model"
)

// DefaultCreateTimeout ограничивает время покупки этикетки.
const DefaultCreateTimeout = 30 * time.Second

// Error описывает отказ курьерского API.
type Error struct {
	StatusCode int
	Message    string
	Timeout    bool
}

func (e *Error) Error() string {
	if e.Timeout {
		return fmt.Sprintf("courier timeout: %s", e.Message)
	}
	return fmt.Sprintf("courier status %d: %s", e.StatusCode, e.Message)
}

// CreateRequest содержит данные для покупки этикетки.
type CreateRequest struct {
	Carrier        string          `json:"carrier"`
	Sender         model.Address   `json:"sender"`
	Recipient      model.Address   `json:"recipient"`
	Packages       []model.Package `json:"packages"`
	Insurance      *float64        `json:"insurance,omitempty"`
	CashOnDelivery *float64        `json:"cod,omitempty"`
	Notes          string          `json:"notes,omitempty"`
}

// Label содержит результат покупки этикетки.
type Label struct {
	TrackingNumber     string
	ExternalShipmentID string
	Cost               model.Money
	LabelData          string
}

type labelResponse struct {
	TrackingNumber string          `json:"trackingNumber"`
	ShipmentID     string          `json:"shipmentId"`
	Cost           decimal.Decimal `json:"cost"`
	LabelData      string          `json:"labelData"`
}

type errorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Client инкапсулирует HTTP-взаимодействие с курьерской службой.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient создаёт HTTP-клиент курьерской службы по указанному адресу.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: DefaultCreateTimeout,
		},
	}
}

// Create покупает этикетку. Повторных попыток нет: повтор может создать вторую этикетку.
func (c *Client) Create(ctx context.Context, req CreateRequest) (*Label, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/shipments", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, readError(resp)
	}

	var result labelResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &Error{StatusCode: http.StatusBadGateway, Message: "decode response: " + err.Error()}
	}
	if result.ShipmentID == "" || result.TrackingNumber == "" {
		return nil, &Error{StatusCode: http.StatusBadGateway, Message: "incomplete label response"}
	}

	return &Label{
		TrackingNumber:     result.TrackingNumber,
		ExternalShipmentID: result.ShipmentID,
		Cost:               model.Money(result.Cost.Shift(2).Round(0).IntPart()),
		LabelData:          result.LabelData,
	}, nil
}

// Delete аннулирует этикетку. Отсутствующая этикетка считается уже удалённой.
func (c *Client) Delete(ctx context.Context, externalShipmentID string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/api/shipments/"+url.PathEscape(externalShipmentID), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return readError(resp)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	if c == nil || c.baseURL == "" {
		return nil, errors.New("courier client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	return resp, nil
}

func transportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &Error{Message: err.Error(), Timeout: true}
	}
	return &Error{StatusCode: http.StatusBadGateway, Message: err.Error()}
}

func readError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	msg := strings.TrimSpace(string(raw))
	var parsed errorResponse
	if json.Unmarshal(raw, &parsed) == nil {
		if parsed.Message != "" {
			msg = parsed.Message
		} else if parsed.Error != "" {
			msg = parsed.Error
		}
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	return &Error{StatusCode: resp.StatusCode, Message: msg}
}
