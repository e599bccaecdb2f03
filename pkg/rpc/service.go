package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// Method names, relative to ServiceName.
const (
	methodRegisterProvider   = "RegisterStorageProvider"
	methodDeactivateProvider = "DeactivateProvider"
	methodSetVerified        = "SetProviderVerified"
	methodGetProvider        = "GetProvider"
	methodListProviders      = "ListProviders"
	methodCreateDeal         = "CreateDeal"
	methodSubmitProof        = "SubmitProof"
	methodCompleteDeal       = "CompleteDeal"
	methodCancelDeal         = "CancelDeal"
	methodGetDeal            = "GetDeal"
	methodListDeals          = "ListDeals"
	methodSweepExpiredDeals  = "SweepExpiredDeals"
	methodUploadFile         = "UploadFile"
	methodDownloadFile       = "DownloadFile"
	methodDeleteFile         = "DeleteFile"
	methodGetFile            = "GetFile"
	methodListFiles          = "ListFiles"
	methodStats              = "Stats"
	methodEvents             = "Events"
)

// storageMeshServer is the handler set RegisterService checks the
// implementation against.
type storageMeshServer interface {
	registerProvider(context.Context, *RegisterProviderRequest) (*RegisterProviderResponse, error)
	deactivateProvider(context.Context, *ProviderRequest) (*Empty, error)
	setVerified(context.Context, *SetVerifiedRequest) (*Empty, error)
	getProvider(context.Context, *ProviderRequest) (*ProviderResponse, error)
	listProviders(context.Context, *Empty) (*ListProvidersResponse, error)
	createDeal(context.Context, *CreateDealRequest) (*CreateDealResponse, error)
	submitProof(context.Context, *SubmitProofRequest) (*Empty, error)
	completeDeal(context.Context, *DealRequest) (*Empty, error)
	cancelDeal(context.Context, *DealRequest) (*Empty, error)
	getDeal(context.Context, *DealRequest) (*DealResponse, error)
	listDeals(context.Context, *ListDealsRequest) (*ListDealsResponse, error)
	sweepExpiredDeals(context.Context, *Empty) (*SweepResponse, error)
	uploadFile(context.Context, *UploadFileRequest) (*FileResponse, error)
	downloadFile(context.Context, *FileRequest) (*DownloadFileResponse, error)
	deleteFile(context.Context, *FileRequest) (*Empty, error)
	getFile(context.Context, *FileRequest) (*FileResponse, error)
	listFiles(context.Context, *ListFilesRequest) (*ListFilesResponse, error)
	stats(context.Context, *Empty) (*StatsResponse, error)
	events(context.Context, *EventsRequest) (*EventsResponse, error)
}

var _ storageMeshServer = (*Server)(nil)

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*storageMeshServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(methodRegisterProvider, (*Server).registerProvider),
		unary(methodDeactivateProvider, (*Server).deactivateProvider),
		unary(methodSetVerified, (*Server).setVerified),
		unary(methodGetProvider, (*Server).getProvider),
		unary(methodListProviders, (*Server).listProviders),
		unary(methodCreateDeal, (*Server).createDeal),
		unary(methodSubmitProof, (*Server).submitProof),
		unary(methodCompleteDeal, (*Server).completeDeal),
		unary(methodCancelDeal, (*Server).cancelDeal),
		unary(methodGetDeal, (*Server).getDeal),
		unary(methodListDeals, (*Server).listDeals),
		unary(methodSweepExpiredDeals, (*Server).sweepExpiredDeals),
		unary(methodUploadFile, (*Server).uploadFile),
		unary(methodDownloadFile, (*Server).downloadFile),
		unary(methodDeleteFile, (*Server).deleteFile),
		unary(methodGetFile, (*Server).getFile),
		unary(methodListFiles, (*Server).listFiles),
		unary(methodStats, (*Server).stats),
		unary(methodEvents, (*Server).events),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "storagemesh.json",
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// unary adapts a typed Server method to a grpc.MethodDesc, which is what
// protoc would otherwise generate.
func unary[Req, Resp any](name string, fn func(*Server, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			s := srv.(*Server)
			if interceptor == nil {
				return fn(s, ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return fn(s, ctx, req.(*Req))
			}
			return interceptor(ctx, req, info, handler)
		},
	}
}
