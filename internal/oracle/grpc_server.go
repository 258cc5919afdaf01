package oracle

import (
	"context"
	"fmt"

	"github.com/ashureev/clusterchat/internal/agent"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// RegisterServer exposes impl on s under ServiceName, speaking the same
// structpb messages the Grpc client sends.
func RegisterServer(s grpc.ServiceRegistrar, impl agent.Oracle) {
	s.RegisterService(&serviceDesc, impl)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*agent.Oracle)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Propose",
		Handler:    proposeHandler,
	}},
	Streams: []grpc.StreamDesc{{
		StreamName:    "ProposeStream",
		Handler:       proposeStreamHandler,
		ServerStreams: true,
	}},
}

func decodeRequest(in *structpb.Struct) (wireRequest, error) {
	var req wireRequest
	if err := fromStruct(in, &req); err != nil {
		return req, status.Error(codes.InvalidArgument, err.Error())
	}
	return req, nil
}

func proposeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		wr, err := decodeRequest(req.(*structpb.Struct))
		if err != nil {
			return nil, err
		}
		step, err := srv.(agent.Oracle).Propose(ctx, wr.History, wr.Tools)
		if err != nil {
			return nil, status.Error(codes.Unavailable, err.Error())
		}
		return toStruct(stepToWire(step))
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: proposeMethod}
	return interceptor(ctx, in, info, handler)
}

func proposeStreamHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	req, err := decodeRequest(in)
	if err != nil {
		return err
	}
	for chunk, err := range srv.(agent.Oracle).ProposeStream(stream.Context(), req.History, req.Tools) {
		if err != nil {
			return status.Error(codes.Unavailable, err.Error())
		}
		out := wireChunk{Fragment: chunk.Fragment}
		if chunk.Step != nil {
			w := stepToWire(*chunk.Step)
			out.Step = &w
		}
		msg, err := toStruct(out)
		if err != nil {
			return err
		}
		if err := stream.SendMsg(msg); err != nil {
			return fmt.Errorf("send chunk: %w", err)
		}
	}
	return nil
}
