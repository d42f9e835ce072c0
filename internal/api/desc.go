package api

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified name of the control service.
const ServiceName = "chatsync.v1.Chatsync"

// ChatsyncServer is the control API served on the account socket.
type ChatsyncServer interface {
	Status(context.Context, *Empty) (*StatusResponse, error)
	SignIn(context.Context, *SignInRequest) (*SignInResponse, error)
	SignOut(context.Context, *Empty) (*Empty, error)
	Reload(context.Context, *Empty) (*StatusResponse, error)
	ListChats(context.Context, *ListChatsRequest) (*ListChatsResponse, error)
	OpenChat(context.Context, *ChatRequest) (*ChatMessagesResponse, error)
	CloseChat(context.Context, *Empty) (*Empty, error)
	RefreshChat(context.Context, *ChatRequest) (*ChatMessagesResponse, error)
	SendMessage(context.Context, *SendMessageRequest) (*SendMessageResponse, error)
	ListPeople(context.Context, *ListPeopleRequest) (*ListPeopleResponse, error)
	Relationship(context.Context, *RelationshipRequest) (*RelationshipResponse, error)
	AddFriend(context.Context, *AddFriendRequest) (*RelationshipResponse, error)
	DirectChat(context.Context, *DirectChatRequest) (*DirectChatResponse, error)
	Watch(*WatchRequest, grpc.ServerStreamingServer[Event]) error
}

// ServiceDesc describes ChatsyncServer to grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChatsyncServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Status", ChatsyncServer.Status),
		unary("SignIn", ChatsyncServer.SignIn),
		unary("SignOut", ChatsyncServer.SignOut),
		unary("Reload", ChatsyncServer.Reload),
		unary("ListChats", ChatsyncServer.ListChats),
		unary("OpenChat", ChatsyncServer.OpenChat),
		unary("CloseChat", ChatsyncServer.CloseChat),
		unary("RefreshChat", ChatsyncServer.RefreshChat),
		unary("SendMessage", ChatsyncServer.SendMessage),
		unary("ListPeople", ChatsyncServer.ListPeople),
		unary("Relationship", ChatsyncServer.Relationship),
		unary("AddFriend", ChatsyncServer.AddFriend),
		unary("DirectChat", ChatsyncServer.DirectChat),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "chatsync/v1/chatsync.json",
}

// RegisterChatsyncServer registers srv on s.
func RegisterChatsyncServer(s grpc.ServiceRegistrar, srv ChatsyncServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary[Req, Res any](name string, call func(ChatsyncServer, context.Context, *Req) (*Res, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ChatsyncServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ChatsyncServer), ctx, req.(*Req))
			})
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ChatsyncServer).Watch(in, &grpc.GenericServerStream[WatchRequest, Event]{ServerStream: stream})
}
