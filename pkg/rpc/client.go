package rpc

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"

	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/events"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/types"
)

// Client calls a coordinator over gRPC on behalf of one caller address.
type Client struct {
	conn   *grpc.ClientConn
	caller types.Address
	retry  RetryPolicy
}

// Dial connects to a coordinator. Extra options are appended to the defaults.
func Dial(ctx context.Context, target string, caller types.Address, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: backoff.Config{
				BaseDelay:  time.Second,
				Multiplier: 1.5,
				Jitter:     0.2,
				MaxDelay:   30 * time.Second,
			},
			MinConnectTimeout: 5 * time.Second,
		}),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(MaxMessageSize),
			grpc.MaxCallSendMsgSize(MaxMessageSize),
		),
	}, opts...)

	conn, err := grpc.DialContext(ctx, target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", target, err)
	}
	return NewClient(conn, caller), nil
}

func NewClient(conn *grpc.ClientConn, caller types.Address) *Client {
	return &Client{conn: conn, caller: caller, retry: DefaultRetryPolicy()}
}

// As returns a client sharing the connection but calling as another address.
func (c *Client) As(caller types.Address) *Client {
	return &Client{conn: c.conn, caller: caller, retry: c.retry}
}

// WithRetry returns a client sharing the connection with a different retry
// policy for read-only calls.
func (c *Client) WithRetry(p RetryPolicy) *Client {
	return &Client{conn: c.conn, caller: c.caller, retry: p}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	if c.caller != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, callerHeader, string(c.caller))
	}
	var trailer metadata.MD
	err := c.conn.Invoke(ctx, fullMethod(method), req, resp,
		grpc.ForceCodec(jsonCodec{}),
		grpc.Trailer(&trailer))
	if err != nil {
		return fromStatus(err, trailer)
	}
	return nil
}

// query is invoke for calls that do not change state, retried under the
// client's policy.
func (c *Client) query(ctx context.Context, method string, req, resp any) error {
	return c.retry.do(ctx, func() error {
		return c.invoke(ctx, method, req, resp)
	})
}

func (c *Client) RegisterStorageProvider(ctx context.Context, capacity int64, price types.TokenAmount, endpoint string) (types.ProviderID, error) {
	var resp RegisterProviderResponse
	err := c.invoke(ctx, methodRegisterProvider, &RegisterProviderRequest{
		Capacity: capacity,
		Price:    price,
		Endpoint: endpoint,
	}, &resp)
	return resp.ProviderID, err
}

func (c *Client) DeactivateProvider(ctx context.Context, id types.ProviderID) error {
	return c.invoke(ctx, methodDeactivateProvider, &ProviderRequest{ProviderID: id}, &Empty{})
}

func (c *Client) SetProviderVerified(ctx context.Context, id types.ProviderID, verified bool) error {
	return c.invoke(ctx, methodSetVerified, &SetVerifiedRequest{ProviderID: id, Verified: verified}, &Empty{})
}

func (c *Client) GetProvider(ctx context.Context, id types.ProviderID) (types.StorageProvider, error) {
	var resp ProviderResponse
	err := c.query(ctx, methodGetProvider, &ProviderRequest{ProviderID: id}, &resp)
	return resp.Provider, err
}

func (c *Client) ListProviders(ctx context.Context) ([]types.StorageProvider, error) {
	var resp ListProvidersResponse
	err := c.query(ctx, methodListProviders, &Empty{}, &resp)
	return resp.Providers, err
}

func (c *Client) CreateDeal(ctx context.Context, providerID types.ProviderID, fileSize int64, duration time.Duration, payment types.TokenAmount) (types.DealID, error) {
	var resp CreateDealResponse
	err := c.invoke(ctx, methodCreateDeal, &CreateDealRequest{
		ProviderID: providerID,
		FileSize:   fileSize,
		Duration:   duration,
		Payment:    payment,
	}, &resp)
	return resp.DealID, err
}

func (c *Client) SubmitProof(ctx context.Context, id types.DealID, proofHash string) error {
	return c.invoke(ctx, methodSubmitProof, &SubmitProofRequest{DealID: id, ProofHash: proofHash}, &Empty{})
}

func (c *Client) CompleteDeal(ctx context.Context, id types.DealID) error {
	return c.invoke(ctx, methodCompleteDeal, &DealRequest{DealID: id}, &Empty{})
}

func (c *Client) CancelDeal(ctx context.Context, id types.DealID) error {
	return c.invoke(ctx, methodCancelDeal, &DealRequest{DealID: id}, &Empty{})
}

func (c *Client) GetDeal(ctx context.Context, id types.DealID) (types.Deal, error) {
	var resp DealResponse
	err := c.query(ctx, methodGetDeal, &DealRequest{DealID: id}, &resp)
	return resp.Deal, err
}

func (c *Client) ListDeals(ctx context.Context, req ListDealsRequest) ([]types.Deal, error) {
	var resp ListDealsResponse
	err := c.query(ctx, methodListDeals, &req, &resp)
	return resp.Deals, err
}

func (c *Client) SweepExpiredDeals(ctx context.Context) ([]types.DealID, error) {
	var resp SweepResponse
	err := c.invoke(ctx, methodSweepExpiredDeals, &Empty{}, &resp)
	return resp.Completed, err
}

func (c *Client) UploadFile(ctx context.Context, name string, data []byte) (types.File, error) {
	var resp FileResponse
	err := c.invoke(ctx, methodUploadFile, &UploadFileRequest{Name: name, Data: data}, &resp)
	return resp.File, err
}

func (c *Client) DownloadFile(ctx context.Context, id types.FileID) ([]byte, error) {
	var resp DownloadFileResponse
	err := c.query(ctx, methodDownloadFile, &FileRequest{FileID: id}, &resp)
	return resp.Data, err
}

func (c *Client) DeleteFile(ctx context.Context, id types.FileID) error {
	return c.invoke(ctx, methodDeleteFile, &FileRequest{FileID: id}, &Empty{})
}

func (c *Client) GetFile(ctx context.Context, id types.FileID) (types.File, []types.Chunk, error) {
	var resp FileResponse
	err := c.query(ctx, methodGetFile, &FileRequest{FileID: id}, &resp)
	return resp.File, resp.Chunks, err
}

func (c *Client) ListFiles(ctx context.Context, uploader types.Address) ([]types.File, error) {
	var resp ListFilesResponse
	err := c.query(ctx, methodListFiles, &ListFilesRequest{Uploader: uploader}, &resp)
	return resp.Files, err
}

// Stats returns nil stats until the coordinator has run its first health tick.
func (c *Client) Stats(ctx context.Context) (*types.NetworkStats, error) {
	var resp StatsResponse
	err := c.query(ctx, methodStats, &Empty{}, &resp)
	return resp.Stats, err
}

func (c *Client) Events(ctx context.Context, after uint64, limit int) ([]events.Event, error) {
	var resp EventsResponse
	err := c.query(ctx, methodEvents, &EventsRequest{After: after, Limit: limit}, &resp)
	return resp.Events, err
}
