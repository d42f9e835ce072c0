package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/matheus3301/chatsync/internal/account"
	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/client"
	"github.com/matheus3301/chatsync/internal/lock"
)

type cli struct {
	c    *client.Client
	json bool
}

var friendActions = map[string]string{
	"accept": "accept_request",
	"ignore": "ignore_request",
	"cancel": "cancel_request",
	"remove": "remove_friend",
}

func (x *cli) status(ctx context.Context) {
	resp, err := x.c.Status(ctx, &api.Empty{})
	if err != nil {
		fatalf("%v", err)
	}
	if x.json {
		outputJSON(resp)
		return
	}
	fmt.Printf("Account:  %s\n", resp.Account)
	fmt.Printf("Status:   %s\n", resp.State)
	if resp.Reason != "" {
		fmt.Printf("Reason:   %s\n", resp.Reason)
	}
	if resp.Username != "" {
		fmt.Printf("User:     @%s (%s)\n", resp.Username, resp.UserID)
	}
	fmt.Printf("Chats:    %d (%d subscribed)\n", resp.Chats, resp.Subscriptions)
	fmt.Printf("Messages: %d cached\n", resp.Messages)
	fmt.Printf("Friends:  %d (%d incoming, %d outgoing)\n", resp.Friends, resp.Incoming, resp.Outgoing)
	if resp.Focused != "" {
		fmt.Printf("Focused:  %s\n", resp.Focused)
	}
	fmt.Printf("Uptime:   %dms\n", resp.UptimeMs)
}

func (x *cli) login(ctx context.Context, email string) {
	password, err := readPassword(os.Stdin)
	if err != nil {
		fatalf("%v", err)
	}
	resp, err := x.c.SignIn(ctx, &api.SignInRequest{Email: email, Password: password})
	if err != nil {
		fatalf("%v", err)
	}
	if x.json {
		outputJSON(resp)
		return
	}
	fmt.Printf("Signed in. Status: %s\n", resp.State)
	if resp.Warning != "" {
		fmt.Printf("Warning: %s\n", resp.Warning)
	}
}

// readPassword takes CHATSYNC_PASSWORD, or else the first line of r.
func readPassword(r io.Reader) (string, error) {
	if pw := os.Getenv("CHATSYNC_PASSWORD"); pw != "" {
		return pw, nil
	}
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("no password given: set CHATSYNC_PASSWORD or pipe it on stdin")
	}
	return line, nil
}

func (x *cli) logout(ctx context.Context) {
	if _, err := x.c.SignOut(ctx, &api.Empty{}); err != nil {
		fatalf("%v", err)
	}
	fmt.Println("Signed out.")
}

func (x *cli) reload(ctx context.Context) {
	resp, err := x.c.Reload(ctx, &api.Empty{})
	if err != nil {
		fatalf("%v", err)
	}
	if x.json {
		outputJSON(resp)
		return
	}
	fmt.Printf("Status: %s\n", resp.State)
}

func (x *cli) chats(ctx context.Context, kind string) {
	resp, err := x.c.ListChats(ctx, &api.ListChatsRequest{Kind: kind})
	if err != nil {
		fatalf("%v", err)
	}
	if x.json {
		outputJSON(resp)
		return
	}
	if len(resp.Chats) == 0 {
		fmt.Printf("No %s.\n", kind)
		return
	}
	for _, ch := range resp.Chats {
		marker := " "
		if ch.Focused {
			marker = "*"
		}
		preview := ""
		if ch.LastMessage != nil {
			preview = truncate(ch.LastMessage.Content, 40)
		}
		fmt.Printf("%s %-24s %-8s %s  %s\n", marker, truncate(ch.Title, 24), ch.Type, ch.UpdatedAt.Local().Format("Jan 02 15:04"), preview)
	}
}

// resolveChat finds a chat by exact id or by case-insensitive title; a
// leading # or @ is ignored.
func (x *cli) resolveChat(ctx context.Context, arg string) string {
	var all []api.Chat
	for _, kind := range []string{"conversations", "channels"} {
		resp, err := x.c.ListChats(ctx, &api.ListChatsRequest{Kind: kind})
		if err != nil {
			fatalf("%v", err)
		}
		all = append(all, resp.Chats...)
	}
	ch, err := matchChat(all, arg)
	if err != nil {
		fatalf("%v", err)
	}
	return ch.ID
}

func matchChat(chats []api.Chat, arg string) (api.Chat, error) {
	for _, ch := range chats {
		if ch.ID == arg {
			return ch, nil
		}
	}
	want := strings.ToLower(strings.TrimLeft(arg, "#@"))
	var found []api.Chat
	for _, ch := range chats {
		if strings.ToLower(ch.Title) == want {
			found = append(found, ch)
		}
	}
	switch len(found) {
	case 0:
		return api.Chat{}, fmt.Errorf("no chat matches %q", arg)
	case 1:
		return found[0], nil
	default:
		return api.Chat{}, fmt.Errorf("%q matches %d chats, use the chat id", arg, len(found))
	}
}

func (x *cli) open(ctx context.Context, arg string) {
	resp, err := x.c.OpenChat(ctx, &api.ChatRequest{ChatID: x.resolveChat(ctx, arg)})
	if err != nil {
		fatalf("%v", err)
	}
	x.printMessages(resp)
}

func (x *cli) refresh(ctx context.Context, arg string) {
	resp, err := x.c.RefreshChat(ctx, &api.ChatRequest{ChatID: x.resolveChat(ctx, arg)})
	if err != nil {
		fatalf("%v", err)
	}
	x.printMessages(resp)
}

func (x *cli) printMessages(resp *api.ChatMessagesResponse) {
	if x.json {
		outputJSON(resp)
		return
	}
	fmt.Printf("== %s (%s)\n", resp.Chat.Title, resp.Chat.ID)
	for _, m := range resp.Messages {
		author := m.Author
		if author == "" {
			author = m.AuthorID
		}
		fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format("Jan 02 15:04"), author, m.Content)
	}
}

func (x *cli) close(ctx context.Context) {
	if _, err := x.c.CloseChat(ctx, &api.Empty{}); err != nil {
		fatalf("%v", err)
	}
}

func (x *cli) send(ctx context.Context, arg string, words []string) {
	resp, err := x.c.SendMessage(ctx, &api.SendMessageRequest{
		ChatID:  x.resolveChat(ctx, arg),
		Content: strings.Join(words, " "),
	})
	if err != nil {
		fatalf("%v", err)
	}
	if x.json {
		outputJSON(resp)
		return
	}
	fmt.Printf("Queued %s\n", resp.ClientMsgID)
}

func (x *cli) people(ctx context.Context, state string) {
	resp, err := x.c.ListPeople(ctx, &api.ListPeopleRequest{State: state})
	if err != nil {
		fatalf("%v", err)
	}
	if x.json {
		outputJSON(resp)
		return
	}
	if len(resp.People) == 0 {
		fmt.Println("Nobody here.")
		return
	}
	for _, p := range resp.People {
		name := p.Username
		if name == "" {
			name = p.ID
		}
		fmt.Printf("@%-20s %s\n", name, p.DisplayName)
	}
}

func (x *cli) friend(ctx context.Context, verb, username string) {
	var resp *api.RelationshipResponse
	var err error
	if verb == "add" {
		resp, err = x.c.AddFriend(ctx, &api.AddFriendRequest{Username: username})
	} else {
		action, ok := friendActions[verb]
		if !ok {
			usageErr("chatctl friend <add|accept|ignore|cancel|remove> <username>")
		}
		resp, err = x.c.Relationship(ctx, &api.RelationshipRequest{Action: action, Username: username})
	}
	if err != nil {
		fatalf("%v", err)
	}
	if x.json {
		outputJSON(resp)
		return
	}
	fmt.Printf("%s: %s\n", username, resp.State)
}

func (x *cli) dm(ctx context.Context, username string) {
	resp, err := x.c.DirectChat(ctx, &api.DirectChatRequest{Username: username})
	if err != nil {
		fatalf("%v", err)
	}
	if x.json {
		outputJSON(resp)
		return
	}
	fmt.Println(resp.ChatID)
}

func cmdWatch(ctx context.Context, c *client.Client, prefix string, jsonOut bool) {
	stream, err := c.Watch(ctx, &api.WatchRequest{Prefix: prefix})
	if err != nil {
		fatalf("%v", err)
	}
	for {
		evt, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			fatalf("%v", err)
		}
		if jsonOut {
			line, _ := json.Marshal(evt)
			fmt.Println(string(line))
			continue
		}
		fmt.Printf("%d %-28s %s\n", evt.OccurredAtUnixMs, evt.Kind, evt.Payload)
	}
}

type accountInfo struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
	Current bool   `json:"current"`
}

func cmdAccounts(current string, jsonOut bool) {
	entries, err := os.ReadDir(filepath.Join(account.BaseDir(), "accounts"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		fatalf("%v", err)
	}
	var out []accountInfo
	for _, e := range entries {
		if !e.IsDir() || account.ValidateName(e.Name()) != nil {
			continue
		}
		pid := lock.Holder(account.LockPath(e.Name()))
		out = append(out, accountInfo{
			Name:    e.Name(),
			Path:    account.Dir(e.Name()),
			Running: pid != 0,
			PID:     pid,
			Current: e.Name() == current,
		})
	}
	if jsonOut {
		outputJSON(out)
		return
	}
	if len(out) == 0 {
		fmt.Println("No accounts found.")
		return
	}
	for _, a := range out {
		running := "stopped"
		if a.Running {
			running = fmt.Sprintf("running, pid %d", a.PID)
		}
		marker := " "
		if a.Current {
			marker = "*"
		}
		fmt.Printf("%s %-20s %s (%s)\n", marker, a.Name, a.Path, running)
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
