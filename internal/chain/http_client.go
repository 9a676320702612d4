package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/IHB1-Foundation/KAS-Racing-sub002/internal/domain"
)

// HTTPClient talks to the wallet/indexer gateway over its JSON API. The
// gateway owns keys and transaction building; this client only submits
// intents and reads observed state.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type payoutRequest struct {
	Address     string `json:"address"`
	AmountSompi int64  `json:"amount_sompi"`
	Memo        string `json:"memo"`
}

type payoutResponse struct {
	TxID   string `json:"tx_id"`
	Status string `json:"status"`
}

func (c *HTTPClient) SubmitPayout(ctx context.Context, address string, amountSompi int64, memo string) (Receipt, error) {
	body, err := json.Marshal(payoutRequest{Address: address, AmountSompi: amountSompi, Memo: memo})
	if err != nil {
		return Receipt{}, fmt.Errorf("marshal payout request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/payouts", bytes.NewReader(body))
	if err != nil {
		return Receipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Receipt{}, &domain.ExternalError{Op: "submit_payout", Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted:
	case resp.StatusCode >= 500:
		return Receipt{}, &domain.ExternalError{
			Op:        "submit_payout",
			Retryable: true,
			Err:       fmt.Errorf("gateway status %d", resp.StatusCode),
		}
	default:
		return Receipt{}, &domain.ExternalError{
			Op:        "submit_payout",
			Retryable: false,
			Err:       fmt.Errorf("gateway status %d", resp.StatusCode),
		}
	}

	var pr payoutResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return Receipt{}, fmt.Errorf("decode payout response: %w", err)
	}
	return Receipt{Ref: pr.TxID, Status: PayoutStatus(pr.Status)}, nil
}

type contractResponse struct {
	State string `json:"state"`
}

func (c *HTTPClient) ReadContractState(ctx context.Context, ref string) (ContractState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/contracts/"+url.PathEscape(ref), nil)
	if err != nil {
		return StateUnknown, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return StateUnknown, &domain.ExternalError{Op: "read_contract", Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return StateUnknown, nil
	}
	if resp.StatusCode != http.StatusOK {
		return StateUnknown, &domain.ExternalError{
			Op:        "read_contract",
			Retryable: resp.StatusCode >= 500,
			Err:       fmt.Errorf("gateway status %d", resp.StatusCode),
		}
	}

	var cr contractResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return StateUnknown, fmt.Errorf("decode contract response: %w", err)
	}
	return ContractState(cr.State), nil
}
