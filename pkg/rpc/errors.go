package rpc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/types"
)

const (
	callerHeader    = "x-caller-address"
	errorKindHeader = "x-error-kind"
)

var kindCodes = map[types.ErrorKind]codes.Code{
	types.KindValidation:            codes.InvalidArgument,
	types.KindCapacity:              codes.ResourceExhausted,
	types.KindAuthorization:         codes.PermissionDenied,
	types.KindState:                 codes.FailedPrecondition,
	types.KindPayment:               codes.FailedPrecondition,
	types.KindNotFound:              codes.NotFound,
	types.KindDuplicate:             codes.AlreadyExists,
	types.KindInsufficientProviders: codes.Unavailable,
}

// toStatus converts a domain error into a gRPC status. The kind also travels
// in a trailer because several kinds share a status code.
func toStatus(err error) (error, metadata.MD) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err(), nil
	}
	if _, ok := status.FromError(err); ok {
		return err, nil
	}

	kind := types.KindOf(err)
	code, ok := kindCodes[kind]
	if !ok {
		return status.Error(codes.Internal, err.Error()), nil
	}
	return status.Error(code, err.Error()), metadata.Pairs(errorKindHeader, kind.String())
}

// fromStatus rebuilds a domain error on the client so errors.Is works against
// the types sentinels.
func fromStatus(err error, trailer metadata.MD) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	if values := trailer.Get(errorKindHeader); len(values) > 0 {
		if kind := types.ParseErrorKind(values[0]); kind != types.KindUnknown {
			return &types.Error{Kind: kind, Msg: st.Message()}
		}
	}
	switch st.Code() {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}
	return err
}
