package api

import (
	"context"

	"github.com/cuemby/mailroom/pkg/types"
	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "mailroom.v1.Mailbox"

// MailboxServer is the server side of the Mailbox service
type MailboxServer interface {
	Register(context.Context, *RegisterRequest) (*RegisterResponse, error)
	Renew(context.Context, *RenewRequest) (*RenewResponse, error)
	Cancel(context.Context, *RegistrationRequest) (*Empty, error)
	EnableDelivery(context.Context, *EnableDeliveryRequest) (*Empty, error)
	DisableDelivery(context.Context, *RegistrationRequest) (*Empty, error)
	Notify(context.Context, *NotifyRequest) (*Empty, error)
	PullSnapshot(context.Context, *PullSnapshotRequest) (*PullSnapshotResponse, error)
	PullBatch(context.Context, *PullBatchRequest) (*PullBatchResponse, error)
	GetRegistration(context.Context, *RegistrationRequest) (*types.RegistrationInfo, error)
	ListRegistrations(context.Context, *Empty) (*ListRegistrationsResponse, error)
	ListDeadLetters(context.Context, *RegistrationRequest) (*ListDeadLettersResponse, error)
}

// ServiceDesc describes the Mailbox service for grpc.Server.RegisterService
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MailboxServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Register", MailboxServer.Register),
		unary("Renew", MailboxServer.Renew),
		unary("Cancel", MailboxServer.Cancel),
		unary("EnableDelivery", MailboxServer.EnableDelivery),
		unary("DisableDelivery", MailboxServer.DisableDelivery),
		unary("Notify", MailboxServer.Notify),
		unary("PullSnapshot", MailboxServer.PullSnapshot),
		unary("PullBatch", MailboxServer.PullBatch),
		unary("GetRegistration", MailboxServer.GetRegistration),
		unary("ListRegistrations", MailboxServer.ListRegistrations),
		unary("ListDeadLetters", MailboxServer.ListDeadLetters),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mailroom/v1/mailbox",
}

// FullMethod returns the gRPC path of a Mailbox method
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unary[Req, Resp any](name string, call func(MailboxServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(MailboxServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
