package relayclient

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/url"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"teorelay/protocol"
)

// Transfer - One relayed transaction from the relay's history
type Transfer struct {
	TxHash      common.Hash
	Action      string
	From        common.Address
	To          common.Address
	Amount      *big.Int // base units
	RequestID   string
	GasCost     string // paid by the platform
	UserGasCost string
	At          time.Time
	ExplorerURL string
}

type transferWire struct {
	TxHash      string          `json:"tx_hash"`
	Action      string          `json:"action"`
	From        string          `json:"from_address"`
	To          string          `json:"to_address"`
	Amount      json.RawMessage `json:"teo_amount"`
	RequestID   string          `json:"request_id"`
	GasCost     string          `json:"gas_cost"`
	CreatedAt   int64           `json:"created_at"`
	ExplorerURL string          `json:"explorer_url"`
}

// History - GET /history/{address}, newest first. limit <= 0 uses the relay default.
func (c *Client) History(ctx context.Context, addr common.Address, limit int) ([]Transfer, error) {
	path := "/history/" + addr.Hex()
	if limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}
	data, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	return decodeHistory(data)
}

func decodeHistory(data []byte) ([]Transfer, error) {
	p, err := decodePayload(data)
	if err != nil {
		return nil, err
	}
	if !p.has("transactions") {
		return nil, nil
	}
	var rows []transferWire
	if err := json.Unmarshal(p["transactions"], &rows); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}

	out := make([]Transfer, 0, len(rows))
	for _, row := range rows {
		amount := new(big.Int)
		if len(row.Amount) > 0 {
			if amount, _, err = (payload{"teo_amount": row.Amount}).display("teo_amount"); err != nil {
				return nil, fmt.Errorf("history entry %s: %w", row.TxHash, err)
			}
		}
		t := Transfer{
			TxHash:      common.HexToHash(row.TxHash),
			Action:      row.Action,
			From:        common.HexToAddress(row.From),
			Amount:      amount,
			RequestID:   row.RequestID,
			GasCost:     row.GasCost,
			UserGasCost: protocol.ZeroGas,
			ExplorerURL: row.ExplorerURL,
		}
		if row.To != "" {
			t.To = common.HexToAddress(row.To)
		}
		if row.CreatedAt > 0 {
			t.At = time.Unix(row.CreatedAt, 0)
		}
		out = append(out, t)
	}
	return out, nil
}
