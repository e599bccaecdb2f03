package rpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/coordinator"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/ledger"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/types"
)

const (
	ServiceName = "storagemesh.v1.StorageMesh"

	// MaxMessageSize bounds whole-file uploads and downloads.
	MaxMessageSize = 256 * 1024 * 1024
)

type callerKey struct{}

// CallerFrom returns the caller address attached by the server interceptor.
func CallerFrom(ctx context.Context) types.Address {
	caller, _ := ctx.Value(callerKey{}).(types.Address)
	return caller
}

// Server exposes a coordinator over gRPC.
type Server struct {
	coord  *coordinator.Coordinator
	logger *zap.Logger
	server *grpc.Server
}

func NewServer(coord *coordinator.Coordinator, logger *zap.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{coord: coord, logger: logger}

	opts = append([]grpc.ServerOption{
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.MaxRecvMsgSize(MaxMessageSize),
		grpc.MaxSendMsgSize(MaxMessageSize),
		grpc.ChainUnaryInterceptor(s.callerInterceptor, s.errorInterceptor),
	}, opts...)
	s.server = grpc.NewServer(opts...)
	s.server.RegisterService(&serviceDesc, s)
	return s
}

// Serve accepts connections on lis until ctx is done.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting gRPC server", zap.String("address", lis.Addr().String()))
		errCh <- s.server.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.Stop()
		return nil
	}
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// Stop drains in-flight calls for up to five seconds, then closes.
func (s *Server) Stop() {
	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.server.Stop()
	}
}

func (s *Server) callerInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(callerHeader); len(values) > 0 {
			ctx = context.WithValue(ctx, callerKey{}, types.Address(values[0]))
		}
	}
	return handler(ctx, req)
}

func (s *Server) errorInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	resp, err := handler(ctx, req)
	if err == nil {
		return resp, nil
	}

	st, trailer := toStatus(err)
	if trailer != nil {
		if terr := grpc.SetTrailer(ctx, trailer); terr != nil {
			s.logger.Debug("Failed to set error trailer", zap.Error(terr))
		}
	}
	s.logger.Debug("Request failed",
		zap.String("method", info.FullMethod),
		zap.String("caller", string(CallerFrom(ctx))),
		zap.Error(err))
	return nil, st
}

func requireCaller(ctx context.Context) (types.Address, error) {
	caller := CallerFrom(ctx)
	if caller == "" {
		return "", status.Error(codes.Unauthenticated, "missing "+callerHeader+" metadata")
	}
	return caller, nil
}

func (s *Server) registerProvider(ctx context.Context, req *RegisterProviderRequest) (*RegisterProviderResponse, error) {
	caller, err := requireCaller(ctx)
	if err != nil {
		return nil, err
	}
	id, err := s.coord.RegisterStorageProvider(ctx, caller, req.Capacity, req.Price, req.Endpoint)
	if err != nil {
		return nil, err
	}
	return &RegisterProviderResponse{ProviderID: id}, nil
}

func (s *Server) deactivateProvider(ctx context.Context, req *ProviderRequest) (*Empty, error) {
	caller, err := requireCaller(ctx)
	if err != nil {
		return nil, err
	}
	return &Empty{}, s.coord.DeactivateProvider(ctx, caller, req.ProviderID)
}

func (s *Server) setVerified(_ context.Context, req *SetVerifiedRequest) (*Empty, error) {
	return &Empty{}, s.coord.SetProviderVerified(req.ProviderID, req.Verified)
}

func (s *Server) getProvider(_ context.Context, req *ProviderRequest) (*ProviderResponse, error) {
	p, err := s.coord.GetProvider(req.ProviderID)
	if err != nil {
		return nil, err
	}
	return &ProviderResponse{Provider: p}, nil
}

func (s *Server) listProviders(_ context.Context, _ *Empty) (*ListProvidersResponse, error) {
	return &ListProvidersResponse{Providers: s.coord.ListProviders()}, nil
}

func (s *Server) createDeal(ctx context.Context, req *CreateDealRequest) (*CreateDealResponse, error) {
	caller, err := requireCaller(ctx)
	if err != nil {
		return nil, err
	}
	id, err := s.coord.CreateDeal(ctx, caller, req.ProviderID, req.FileSize, req.Duration, req.Payment)
	if err != nil {
		return nil, err
	}
	return &CreateDealResponse{DealID: id}, nil
}

func (s *Server) submitProof(ctx context.Context, req *SubmitProofRequest) (*Empty, error) {
	caller, err := requireCaller(ctx)
	if err != nil {
		return nil, err
	}
	return &Empty{}, s.coord.SubmitProof(ctx, caller, req.DealID, req.ProofHash)
}

func (s *Server) completeDeal(ctx context.Context, req *DealRequest) (*Empty, error) {
	caller, err := requireCaller(ctx)
	if err != nil {
		return nil, err
	}
	return &Empty{}, s.coord.CompleteDeal(ctx, caller, req.DealID)
}

func (s *Server) cancelDeal(ctx context.Context, req *DealRequest) (*Empty, error) {
	caller, err := requireCaller(ctx)
	if err != nil {
		return nil, err
	}
	return &Empty{}, s.coord.CancelDeal(ctx, caller, req.DealID)
}

func (s *Server) getDeal(_ context.Context, req *DealRequest) (*DealResponse, error) {
	d, err := s.coord.GetDeal(req.DealID)
	if err != nil {
		return nil, err
	}
	return &DealResponse{Deal: d}, nil
}

func (s *Server) listDeals(_ context.Context, req *ListDealsRequest) (*ListDealsResponse, error) {
	f := ledger.Filter{ProviderID: req.ProviderID, Renter: req.Renter}
	if req.Status != "" {
		st, err := types.ParseDealStatus(req.Status)
		if err != nil {
			return nil, err
		}
		f.Status = &st
	}
	return &ListDealsResponse{Deals: s.coord.ListDeals(f)}, nil
}

func (s *Server) sweepExpiredDeals(ctx context.Context, _ *Empty) (*SweepResponse, error) {
	completed, err := s.coord.SweepExpiredDeals(ctx)
	if err != nil {
		return nil, err
	}
	return &SweepResponse{Completed: completed}, nil
}

func (s *Server) uploadFile(ctx context.Context, req *UploadFileRequest) (*FileResponse, error) {
	caller, err := requireCaller(ctx)
	if err != nil {
		return nil, err
	}
	file, err := s.coord.UploadFile(ctx, caller, req.Name, bytes.NewReader(req.Data))
	if err != nil {
		return nil, err
	}
	return &FileResponse{File: file}, nil
}

func (s *Server) downloadFile(ctx context.Context, req *FileRequest) (*DownloadFileResponse, error) {
	var buf bytes.Buffer
	if _, err := s.coord.DownloadFile(ctx, req.FileID, &buf); err != nil {
		return nil, err
	}
	return &DownloadFileResponse{Data: buf.Bytes()}, nil
}

func (s *Server) deleteFile(ctx context.Context, req *FileRequest) (*Empty, error) {
	caller, err := requireCaller(ctx)
	if err != nil {
		return nil, err
	}
	return &Empty{}, s.coord.DeleteFile(ctx, caller, req.FileID)
}

func (s *Server) getFile(_ context.Context, req *FileRequest) (*FileResponse, error) {
	file, chunks, err := s.coord.GetFile(req.FileID)
	if err != nil {
		return nil, err
	}
	return &FileResponse{File: file, Chunks: chunks}, nil
}

func (s *Server) listFiles(_ context.Context, req *ListFilesRequest) (*ListFilesResponse, error) {
	return &ListFilesResponse{Files: s.coord.ListFiles(req.Uploader)}, nil
}

func (s *Server) stats(_ context.Context, _ *Empty) (*StatsResponse, error) {
	return &StatsResponse{Stats: s.coord.Stats()}, nil
}

func (s *Server) events(ctx context.Context, req *EventsRequest) (*EventsResponse, error) {
	evs, err := s.coord.Events(ctx, req.After, req.Limit)
	if err != nil {
		return nil, err
	}
	return &EventsResponse{Events: evs}, nil
}
