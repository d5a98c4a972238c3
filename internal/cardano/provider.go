package cardano

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/masumi-network/masumi-payment-service-sub003/internal/models"
)

// UTxO is one unspent output as reported by the chain provider.
type UTxO struct {
	TxHash      string          `json:"tx_hash"`
	OutputIndex int             `json:"output_index"`
	Address     string          `json:"address"`
	Amount      []models.Amount `json:"amount"`
	InlineDatum string          `json:"inline_datum"` // hex CBOR, empty if none
	DataHash    string          `json:"data_hash"`
}

// Lovelace returns the pure-ADA position of the output.
func (u UTxO) Lovelace() int64 {
	var total int64
	for _, a := range u.Amount {
		if a.Unit == "lovelace" {
			v, err := strconv.ParseInt(a.Quantity, 10, 64)
			if err == nil {
				total += v
			}
		}
	}
	return total
}

// NativeTokenCount returns the number of non-ADA asset positions.
func (u UTxO) NativeTokenCount() int {
	n := 0
	for _, a := range u.Amount {
		if a.Unit != "lovelace" {
			n++
		}
	}
	return n
}

// Provider is the chain-provider surface the reconciliation engine consumes.
type Provider interface {
	TransactionUTxOs(ctx context.Context, txHash string) ([]UTxO, error)
	AddressUTxOs(ctx context.Context, address string) ([]UTxO, error)
	SubmitTransaction(ctx context.Context, signedTx []byte) (string, error)
}

// Client talks to a Blockfrost-compatible REST endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *zap.Logger
}

func NewClient(baseURL, apiKey string, log *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		log: log,
	}
}

type txUTxOsResponse struct {
	Hash    string `json:"hash"`
	Outputs []struct {
		Address     string          `json:"address"`
		Amount      []models.Amount `json:"amount"`
		OutputIndex int             `json:"output_index"`
		InlineDatum *string         `json:"inline_datum"`
		DataHash    *string         `json:"data_hash"`
	} `json:"outputs"`
}

func (c *Client) TransactionUTxOs(ctx context.Context, txHash string) ([]UTxO, error) {
	var resp txUTxOsResponse
	if err := c.get(ctx, fmt.Sprintf("/txs/%s/utxos", txHash), &resp); err != nil {
		return nil, err
	}

	utxos := make([]UTxO, 0, len(resp.Outputs))
	for _, o := range resp.Outputs {
		u := UTxO{
			TxHash:      resp.Hash,
			OutputIndex: o.OutputIndex,
			Address:     o.Address,
			Amount:      o.Amount,
		}
		if o.InlineDatum != nil {
			u.InlineDatum = *o.InlineDatum
		}
		if o.DataHash != nil {
			u.DataHash = *o.DataHash
		}
		utxos = append(utxos, u)
	}
	return utxos, nil
}

type addressUTxO struct {
	TxHash      string          `json:"tx_hash"`
	OutputIndex int             `json:"output_index"`
	Address     string          `json:"address"`
	Amount      []models.Amount `json:"amount"`
	InlineDatum *string         `json:"inline_datum"`
	DataHash    *string         `json:"data_hash"`
}

func (c *Client) AddressUTxOs(ctx context.Context, address string) ([]UTxO, error) {
	var page []addressUTxO
	if err := c.get(ctx, fmt.Sprintf("/addresses/%s/utxos?count=100", address), &page); err != nil {
		return nil, err
	}

	utxos := make([]UTxO, 0, len(page))
	for _, o := range page {
		u := UTxO{
			TxHash:      o.TxHash,
			OutputIndex: o.OutputIndex,
			Address:     o.Address,
			Amount:      o.Amount,
		}
		if o.InlineDatum != nil {
			u.InlineDatum = *o.InlineDatum
		}
		if o.DataHash != nil {
			u.DataHash = *o.DataHash
		}
		utxos = append(utxos, u)
	}
	return utxos, nil
}

func (c *Client) SubmitTransaction(ctx context.Context, signedTx []byte) (string, error) {
	url := c.baseURL + "/tx/submit"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(signedTx))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/cbor")
	req.Header.Set("project_id", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("chain provider unavailable: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("tx submit returned %d: %s", resp.StatusCode, string(body))
	}

	// The provider answers with the transaction hash as a JSON string.
	var txHash string
	if err := json.Unmarshal(body, &txHash); err != nil {
		txHash = strings.Trim(strings.TrimSpace(string(body)), `"`)
	}
	return txHash, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("project_id", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("chain provider unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("chain provider returned %d: %s", resp.StatusCode, string(body))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
