package server

import (
	"context"
	"errors"

	"github.com/pixperk/peerlock/pkg/types"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// converts domain errors to gRPC status errors
func toGRPCError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, types.ErrPeerNotFound):
		return status.Error(codes.NotFound, err.Error())

	case errors.Is(err, types.ErrNotLeader):
		return notLeaderError(err)

	case errors.Is(err, types.ErrInvalidConfig):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())

	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// the message keeps the leader address so clients can redirect
func notLeaderError(err error) error {
	return status.Error(codes.Unavailable, err.Error())
}
