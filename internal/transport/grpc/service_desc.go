package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const bookingServiceName = "calsync.v1.BookingService"

// BookingServiceServer is the server API for calsync.v1.BookingService.
// Requests and responses are google.protobuf.Struct messages so any gRPC
// client can call the service without generated stubs.
type BookingServiceServer interface {
	ListSlots(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateBooking(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetBooking(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var BookingServiceDesc = grpc.ServiceDesc{
	ServiceName: bookingServiceName,
	HandlerType: (*BookingServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ListSlots",
			Handler:    unaryHandler("ListSlots", BookingServiceServer.ListSlots),
		},
		{
			MethodName: "CreateBooking",
			Handler:    unaryHandler("CreateBooking", BookingServiceServer.CreateBooking),
		},
		{
			MethodName: "GetBooking",
			Handler:    unaryHandler("GetBooking", BookingServiceServer.GetBooking),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "calsync/v1/booking.proto",
}

func RegisterBookingServiceServer(s grpc.ServiceRegistrar, srv BookingServiceServer) {
	s.RegisterService(&BookingServiceDesc, srv)
}

type structMethod func(BookingServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call structMethod) grpc.MethodHandler {
	fullMethod := "/" + bookingServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(BookingServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(BookingServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}
