package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"storefront-payments/internal/domain"

	"github.com/shopspring/decimal"
)

// Client observes transfers sent to the receiving address.
type Client interface {
	// FetchIncomingTransfers returns transfers observed after sinceCursor in
	// cursor order together with the cursor of the last returned transfer.
	// Transient failures wrap domain.ErrLedgerUnavailable.
	FetchIncomingTransfers(ctx context.Context, sinceCursor string) ([]domain.Transfer, string, error)
}

// nanoDecimals is the number of fractional digits in one base unit.
const nanoDecimals = 9

type HTTPOptions struct {
	BaseURL  string
	APIKey   string
	Address  string
	Currency string
	PageSize int
	Timeout  time.Duration
}

type httpClient struct {
	opts       HTTPOptions
	httpClient *http.Client
}

func NewHTTPClient(opts HTTPOptions) Client {
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Currency == "" {
		opts.Currency = "TON"
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &httpClient{
		opts:       opts,
		httpClient: &http.Client{Timeout: opts.Timeout},
	}
}

type transferPayload struct {
	TxHash        string `json:"tx_hash"`
	Value         string `json:"value"`
	Currency      string `json:"currency"`
	Memo          string `json:"memo"`
	Confirmations int    `json:"confirmations"`
	Timestamp     int64  `json:"utime"`
	Cursor        string `json:"cursor"`
}

type transfersResponse struct {
	OK         bool              `json:"ok"`
	Error      string            `json:"error,omitempty"`
	Transfers  []transferPayload `json:"transfers"`
	NextCursor string            `json:"next_cursor"`
}

func (c *httpClient) FetchIncomingTransfers(ctx context.Context, sinceCursor string) ([]domain.Transfer, string, error) {
	endpoint := fmt.Sprintf("%s/v1/accounts/%s/transfers", c.opts.BaseURL, url.PathEscape(c.opts.Address))
	query := url.Values{}
	query.Set("limit", fmt.Sprint(c.opts.PageSize))
	query.Set("direction", "in")
	if sinceCursor != "" {
		query.Set("after", sinceCursor)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return nil, sinceCursor, err
	}
	req.Header.Set("Accept", "application/json")
	if c.opts.APIKey != "" {
		req.Header.Set("X-API-Key", c.opts.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, sinceCursor, fmt.Errorf("%w: %v", domain.ErrLedgerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, sinceCursor, fmt.Errorf("%w: status %d: %s", domain.ErrLedgerUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload transfersResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, sinceCursor, fmt.Errorf("%w: decode response: %v", domain.ErrLedgerUnavailable, err)
	}
	if !payload.OK {
		return nil, sinceCursor, fmt.Errorf("%w: %s", domain.ErrLedgerUnavailable, payload.Error)
	}

	transfers := make([]domain.Transfer, 0, len(payload.Transfers))
	for _, p := range payload.Transfers {
		t, err := c.toTransfer(p)
		if err != nil {
			return nil, sinceCursor, fmt.Errorf("%w: %v", domain.ErrLedgerUnavailable, err)
		}
		transfers = append(transfers, t)
	}

	next := payload.NextCursor
	if next == "" {
		next = sinceCursor
		if n := len(transfers); n > 0 {
			next = transfers[n-1].Cursor
		}
	}
	return transfers, next, nil
}

func (c *httpClient) toTransfer(p transferPayload) (domain.Transfer, error) {
	nano, err := decimal.NewFromString(p.Value)
	if err != nil {
		return domain.Transfer{}, fmt.Errorf("transfer %s: bad value %q", p.TxHash, p.Value)
	}
	currency := p.Currency
	if currency == "" {
		currency = c.opts.Currency
	}
	cursor := p.Cursor
	if cursor == "" {
		cursor = p.TxHash
	}
	return domain.Transfer{
		TxHash:        p.TxHash,
		Amount:        nano.Shift(-nanoDecimals),
		Currency:      currency,
		Memo:          strings.TrimSpace(p.Memo),
		Confirmations: p.Confirmations,
		Timestamp:     time.Unix(p.Timestamp, 0).UTC(),
		Cursor:        cursor,
	}, nil
}

// ToNano converts a base-unit amount into the integer nano-units used in
// transfer deep links.
func ToNano(amount decimal.Decimal) string {
	return amount.Shift(nanoDecimals).Truncate(0).String()
}
