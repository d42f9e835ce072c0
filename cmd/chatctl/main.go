package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matheus3301/chatsync/internal/account"
	"github.com/matheus3301/chatsync/internal/client"
)

func main() {
	accountFlag := flag.String("account", "", "account name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	name := account.Resolve(*accountFlag)
	if err := account.ValidateName(name); err != nil {
		fatalf("%v", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	// Local commands that need no daemon.
	if args[0] == "accounts" {
		cmdAccounts(name, *jsonFlag)
		return
	}

	c, err := client.New(account.SocketPath(name))
	if err != nil {
		fatalf("cannot connect to daemon for account %q: %v", name, err)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		prefix := ""
		if len(args) > 1 {
			prefix = args[1]
		}
		cmdWatch(ctx, c, prefix, *jsonFlag)
		return
	}

	// Sign-in and reload run the full load, which fetches every chat.
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	x := &cli{c: c, json: *jsonFlag}
	switch args[0] {
	case "status":
		x.status(ctx)
	case "login":
		if len(args) < 2 {
			usageErr("chatctl login <email>")
		}
		x.login(ctx, args[1])
	case "logout":
		x.logout(ctx)
	case "reload":
		x.reload(ctx)
	case "conversations":
		x.chats(ctx, "conversations")
	case "channels":
		x.chats(ctx, "channels")
	case "open":
		if len(args) < 2 {
			usageErr("chatctl open <chat>")
		}
		x.open(ctx, args[1])
	case "refresh":
		if len(args) < 2 {
			usageErr("chatctl refresh <chat>")
		}
		x.refresh(ctx, args[1])
	case "close":
		x.close(ctx)
	case "send":
		if len(args) < 3 {
			usageErr("chatctl send <chat> <text>")
		}
		x.send(ctx, args[1], args[2:])
	case "friends":
		state := "friends"
		if len(args) > 1 {
			state = args[1]
		}
		x.people(ctx, state)
	case "friend":
		if len(args) < 3 {
			usageErr("chatctl friend <add|accept|ignore|cancel|remove> <username>")
		}
		x.friend(ctx, args[1], args[2])
	case "dm":
		if len(args) < 2 {
			usageErr("chatctl dm <username>")
		}
		x.dm(ctx, args[1])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatctl [--account <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                      Show client status")
	fmt.Fprintln(os.Stderr, "  login <email>               Sign in (password from CHATSYNC_PASSWORD or stdin)")
	fmt.Fprintln(os.Stderr, "  logout                      Sign out")
	fmt.Fprintln(os.Stderr, "  reload                      Re-run the startup load")
	fmt.Fprintln(os.Stderr, "  conversations               List direct and group chats")
	fmt.Fprintln(os.Stderr, "  channels                    List public and private channels")
	fmt.Fprintln(os.Stderr, "  open <chat>                 Focus a chat and print its messages")
	fmt.Fprintln(os.Stderr, "  refresh <chat>              Fetch newer messages for a chat")
	fmt.Fprintln(os.Stderr, "  close                       Clear the focused chat")
	fmt.Fprintln(os.Stderr, "  send <chat> <text>          Send a message")
	fmt.Fprintln(os.Stderr, "  friends [incoming|outgoing] List friends or pending requests")
	fmt.Fprintln(os.Stderr, "  friend <action> <username>  add, accept, ignore, cancel or remove")
	fmt.Fprintln(os.Stderr, "  dm <username>               Open the direct chat with a user")
	fmt.Fprintln(os.Stderr, "  watch [prefix]              Stream daemon events")
	fmt.Fprintln(os.Stderr, "  accounts                    List local accounts")
}

func usageErr(usage string) {
	fmt.Fprintln(os.Stderr, "usage: "+usage)
	os.Exit(1)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
