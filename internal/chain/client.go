// Package chain implements the read-only on-chain queries the capacity and
// deadline caches need: a token's maxMintCount, mintCount and
// deploymentDeadline, called through go-ethereum's ethclient against a
// pool of configured RPC endpoints.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// mintableABI covers the three read-only functions the gateway calls
// against a mintable token contract.
const mintableABI = `[
	{"constant":true,"inputs":[],"name":"maxMintCount","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"mintCount","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"deploymentDeadline","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

// Client reads mintable-token contract state through a single JSON-RPC
// endpoint chosen uniformly at random, once, from the configured pool at
// construction time.
type Client struct {
	log *zap.Logger

	client *ethclient.Client

	parsedABI abi.ABI
}

// New dials every configured RPC URL, failing if any URL cannot be dialed,
// then commits to one of them at random for the client's lifetime. Dialing
// an HTTP endpoint does not contact the node, so an unreachable HTTP node
// surfaces on the first call rather than here.
func New(rpcURLs []string, log *zap.Logger) (*Client, error) {
	if len(rpcURLs) == 0 {
		return nil, fmt.Errorf("chain: at least one RPC URL is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	parsed, err := abi.JSON(strings.NewReader(mintableABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse abi: %w", err)
	}

	clients := make([]*ethclient.Client, 0, len(rpcURLs))
	for _, url := range rpcURLs {
		ec, err := ethclient.Dial(url)
		if err != nil {
			return nil, fmt.Errorf("chain: dial %s: %w", url, err)
		}
		clients = append(clients, ec)
	}
	chosen := clients[rand.Intn(len(clients))]

	return &Client{log: log, client: chosen, parsedABI: parsed}, nil
}

func (c *Client) call(ctx context.Context, tokenAddress, method string) ([]interface{}, error) {
	data, err := c.parsedABI.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}

	addr := common.HexToAddress(tokenAddress)
	msg := ethereum.CallMsg{To: &addr, Data: data}

	result, err := c.client.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: call %s on %s: %w", method, tokenAddress, err)
	}

	outputs, err := c.parsedABI.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s: %w", method, err)
	}
	return outputs, nil
}

// MaxMintCount reads the token's immutable maxMintCount.
func (c *Client) MaxMintCount(ctx context.Context, tokenAddress string) (uint64, error) {
	outputs, err := c.call(ctx, tokenAddress, "maxMintCount")
	if err != nil {
		return 0, err
	}
	return unpackUint64(outputs)
}

// MintCount reads the token's current mintCount.
func (c *Client) MintCount(ctx context.Context, tokenAddress string) (uint64, error) {
	outputs, err := c.call(ctx, tokenAddress, "mintCount")
	if err != nil {
		return 0, err
	}
	return unpackUint64(outputs)
}

// DeploymentDeadline reads the token's deploymentDeadline and converts the
// on-chain unix timestamp to a time.Time.
func (c *Client) DeploymentDeadline(ctx context.Context, tokenAddress string) (time.Time, error) {
	outputs, err := c.call(ctx, tokenAddress, "deploymentDeadline")
	if err != nil {
		return time.Time{}, err
	}
	v, err := unpackUint64(outputs)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(v), 0), nil
}

func unpackUint64(outputs []interface{}) (uint64, error) {
	if len(outputs) != 1 {
		return 0, fmt.Errorf("chain: expected 1 output, got %d", len(outputs))
	}
	v, ok := outputs[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("chain: unexpected output type %T", outputs[0])
	}
	return v.Uint64(), nil
}
