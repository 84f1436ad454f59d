package solana

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/mr-tron/base58"

	"github.com/sealpost/sealpost/internal/ledger"
	apperrors "github.com/sealpost/sealpost/internal/platform/errors"
	"github.com/sealpost/sealpost/internal/platform/timeouts"
)

// Client talks JSON-RPC to a Solana-compatible node.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// NewClient constructs an RPC client for the endpoint.
func NewClient(endpoint string) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, apperrors.New(apperrors.CodeConfiguration, "ledger rpc endpoint is required")
	}
	return &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeouts.LedgerRequest},
	}, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []any, result any) error {
	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("call %s: %w", method, err)
	}
	defer response.Body.Close()

	var envelope rpcResponse
	if err := json.NewDecoder(response.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if envelope.Error != nil {
		return &rpcCallError{method: method, rpcErr: *envelope.Error}
	}
	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("unmarshal %s result: %w", method, err)
		}
	}
	return nil
}

type rpcCallError struct {
	method string
	rpcErr rpcError
}

func (e *rpcCallError) Error() string {
	return fmt.Sprintf("%s: rpc error %d: %s", e.method, e.rpcErr.Code, e.rpcErr.Message)
}

// LatestBlockhash fetches a recent finalized blockhash for transaction building.
func (c *Client) LatestBlockhash(ctx context.Context) ([32]byte, error) {
	var result struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	params := []any{map[string]any{"commitment": "finalized"}}
	if err := c.call(ctx, "getLatestBlockhash", params, &result); err != nil {
		return [32]byte{}, err
	}

	raw, err := base58.Decode(result.Value.Blockhash)
	if err != nil || len(raw) != 32 {
		return [32]byte{}, fmt.Errorf("invalid blockhash %q", result.Value.Blockhash)
	}
	var blockhash [32]byte
	copy(blockhash[:], raw)
	return blockhash, nil
}

// Submit sends a fully signed transaction with preflight enabled, so
// simulation failures surface synchronously as SIMULATION_REJECTED.
func (c *Client) Submit(ctx context.Context, signedTx []byte) (string, error) {
	params := []any{
		base64.StdEncoding.EncodeToString(signedTx),
		map[string]any{
			"encoding":            "base64",
			"skipPreflight":       false,
			"preflightCommitment": "confirmed",
			"maxRetries":          3,
		},
	}

	var reference string
	if err := c.call(ctx, "sendTransaction", params, &reference); err != nil {
		callErr, ok := err.(*rpcCallError)
		if !ok {
			return "", err
		}
		metadata := map[string]string{}
		var data struct {
			Logs []string `json:"logs"`
		}
		if len(callErr.rpcErr.Data) > 0 && json.Unmarshal(callErr.rpcErr.Data, &data) == nil && len(data.Logs) > 0 {
			metadata["logs"] = strings.Join(data.Logs, "\n")
		}
		rejection := apperrors.WithMetadata(apperrors.CodeSimulationRejected, callErr.rpcErr.Message, metadata)
		rejection.Cause = callErr
		return "", rejection
	}
	return reference, nil
}

// Status reports the confirmation status for one transaction reference.
func (c *Client) Status(ctx context.Context, reference string) (ledger.ConfirmationStatus, error) {
	var result struct {
		Value []*struct {
			ConfirmationStatus string          `json:"confirmationStatus"`
			Err                json.RawMessage `json:"err"`
		} `json:"value"`
	}
	params := []any{[]string{reference}, map[string]any{"searchTransactionHistory": true}}
	if err := c.call(ctx, "getSignatureStatuses", params, &result); err != nil {
		return "", err
	}

	if len(result.Value) == 0 || result.Value[0] == nil {
		return ledger.StatusUnconfirmed, nil
	}
	entry := result.Value[0]
	if len(entry.Err) > 0 && string(entry.Err) != "null" {
		return ledger.StatusFailed, nil
	}
	switch entry.ConfirmationStatus {
	case "confirmed":
		return ledger.StatusConfirmed, nil
	case "finalized":
		return ledger.StatusFinalized, nil
	default:
		return ledger.StatusUnconfirmed, nil
	}
}
