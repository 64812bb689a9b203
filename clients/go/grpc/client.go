// Package grpc provides a gRPC client for the rollout evaluation service.
package grpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	rollout "github.com/matt-riley/rollout/clients/go"
)

const (
	EvaluateMethod      = "/rollout.v1.EvaluationService/Evaluate"
	EvaluateBatchMethod = "/rollout.v1.EvaluationService/EvaluateBatch"
)

// Config holds configuration for the gRPC client.
type Config struct {
	// Address is the host:port of the rollout gRPC server, e.g. "localhost:9090".
	Address string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// DialOpts are additional gRPC dial options (e.g. TLS credentials).
	// If empty, insecure credentials are used.
	DialOpts []grpc.DialOption
}

// Client implements rollout.Evaluator over gRPC.
type Client struct {
	cfg  Config
	conn *grpc.ClientConn
}

var _ rollout.Evaluator = (*Client)(nil)

// NewGRPCClient creates a client for the rollout gRPC server.
// Call Close() when done.
func NewGRPCClient(cfg Config) (*Client, error) {
	opts := []grpc.DialOption{}
	if len(cfg.DialOpts) > 0 {
		opts = append(opts, cfg.DialOpts...)
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("rollout: grpc dial: %w", err)
	}
	return &Client{cfg: cfg, conn: conn}, nil
}

// Close closes the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// authCtx injects the bearer token into outgoing gRPC metadata.
func (c *Client) authCtx(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.cfg.APIKey)
}

type evaluateRequest struct {
	Flag    string                    `json:"flag,omitempty"`
	Flags   []string                  `json:"flags,omitempty"`
	Context rollout.EvaluationContext `json:"context"`
}

func (c *Client) invoke(ctx context.Context, method string, request evaluateRequest, out any) error {
	in, err := toStruct(request)
	if err != nil {
		return err
	}

	resp := new(structpb.Struct)
	if err := c.conn.Invoke(c.authCtx(ctx), method, in, resp); err != nil {
		return fmt.Errorf("rollout: %s: %w", method, err)
	}

	return fromStruct(resp, out)
}

func (c *Client) Evaluate(ctx context.Context, name string, evalCtx rollout.EvaluationContext) (rollout.Result, error) {
	var result rollout.Result
	if err := c.invoke(ctx, EvaluateMethod, evaluateRequest{Flag: name, Context: evalCtx}, &result); err != nil {
		return rollout.Result{}, err
	}
	return result, nil
}

func (c *Client) EvaluateBatch(ctx context.Context, names []string, evalCtx rollout.EvaluationContext) (map[string]rollout.Result, error) {
	var out struct {
		Results map[string]rollout.Result `json:"results"`
	}
	if err := c.invoke(ctx, EvaluateBatchMethod, evaluateRequest{Flags: names, Context: evalCtx}, &out); err != nil {
		return nil, err
	}
	if out.Results == nil {
		out.Results = map[string]rollout.Result{}
	}
	return out.Results, nil
}

// toStruct converts a JSON-shaped value into a structpb.Struct.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rollout: marshal request: %w", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("rollout: marshal request: %w", err)
	}

	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("rollout: marshal request: %w", err)
	}
	return msg, nil
}

func fromStruct(msg *structpb.Struct, out any) error {
	raw, err := protojson.Marshal(msg)
	if err != nil {
		return fmt.Errorf("rollout: decode response: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("rollout: decode response: %w", err)
	}
	return nil
}
