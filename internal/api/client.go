package api

import (
	"context"

	"google.golang.org/grpc"
)

// Client is a typed ChatsyncServer client. Every call is sent with the JSON
// content subtype.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Req, Res any](ctx context.Context, cc grpc.ClientConnInterface, name string, in *Req, opts []grpc.CallOption) (*Res, error) {
	out := new(Res)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, fullMethod(name), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Status(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*StatusResponse, error) {
	return invoke[Empty, StatusResponse](ctx, c.cc, "Status", in, opts)
}

func (c *Client) SignIn(ctx context.Context, in *SignInRequest, opts ...grpc.CallOption) (*SignInResponse, error) {
	return invoke[SignInRequest, SignInResponse](ctx, c.cc, "SignIn", in, opts)
}

func (c *Client) SignOut(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty, Empty](ctx, c.cc, "SignOut", in, opts)
}

func (c *Client) Reload(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*StatusResponse, error) {
	return invoke[Empty, StatusResponse](ctx, c.cc, "Reload", in, opts)
}

func (c *Client) ListChats(ctx context.Context, in *ListChatsRequest, opts ...grpc.CallOption) (*ListChatsResponse, error) {
	return invoke[ListChatsRequest, ListChatsResponse](ctx, c.cc, "ListChats", in, opts)
}

func (c *Client) OpenChat(ctx context.Context, in *ChatRequest, opts ...grpc.CallOption) (*ChatMessagesResponse, error) {
	return invoke[ChatRequest, ChatMessagesResponse](ctx, c.cc, "OpenChat", in, opts)
}

func (c *Client) CloseChat(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty, Empty](ctx, c.cc, "CloseChat", in, opts)
}

func (c *Client) RefreshChat(ctx context.Context, in *ChatRequest, opts ...grpc.CallOption) (*ChatMessagesResponse, error) {
	return invoke[ChatRequest, ChatMessagesResponse](ctx, c.cc, "RefreshChat", in, opts)
}

func (c *Client) SendMessage(ctx context.Context, in *SendMessageRequest, opts ...grpc.CallOption) (*SendMessageResponse, error) {
	return invoke[SendMessageRequest, SendMessageResponse](ctx, c.cc, "SendMessage", in, opts)
}

func (c *Client) ListPeople(ctx context.Context, in *ListPeopleRequest, opts ...grpc.CallOption) (*ListPeopleResponse, error) {
	return invoke[ListPeopleRequest, ListPeopleResponse](ctx, c.cc, "ListPeople", in, opts)
}

func (c *Client) Relationship(ctx context.Context, in *RelationshipRequest, opts ...grpc.CallOption) (*RelationshipResponse, error) {
	return invoke[RelationshipRequest, RelationshipResponse](ctx, c.cc, "Relationship", in, opts)
}

func (c *Client) AddFriend(ctx context.Context, in *AddFriendRequest, opts ...grpc.CallOption) (*RelationshipResponse, error) {
	return invoke[AddFriendRequest, RelationshipResponse](ctx, c.cc, "AddFriend", in, opts)
}

func (c *Client) DirectChat(ctx context.Context, in *DirectChatRequest, opts ...grpc.CallOption) (*DirectChatResponse, error) {
	return invoke[DirectChatRequest, DirectChatResponse](ctx, c.cc, "DirectChat", in, opts)
}

// Watch streams bus events whose kind starts with in.Prefix.
func (c *Client) Watch(ctx context.Context, in *WatchRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[Event], error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], fullMethod("Watch"), opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[WatchRequest, Event]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
