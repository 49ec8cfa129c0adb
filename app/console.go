package chatter

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/putto11262002/chatter/core"
)

var errQuit = errors.New("quit")

const consoleHelp = `commands:
  login <identifier> <password>   sign in and sync
  logout                          sign out and disconnect
  whoami                          show the signed in user
  friends                         list friends
  chats                           list conversations
  dm <friendId>                   open (or create) the chat with a friend
  group <name> <id,id,...>        create a group with friends
  open <chatId>                   bring a chat to the foreground
  close                           leave the foreground chat
  send <text>                     send to the foreground chat
  history [chatId]                show messages
  reload                          reload friends and conversations
  connect | disconnect | status   manage the real-time channel
  quit`

// Console is a line oriented front end over the app.
type Console struct {
	app *App
	out io.Writer
}

func NewConsole(app *App, out io.Writer) *Console {
	return &Console{app: app, out: out}
}

// Run executes the commands read from in until in is exhausted, quit is
// entered or ctx is done.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if err := c.Exec(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				fmt.Fprintf(c.out, "error: %v\n", err)
			}
		}
	}
}

// Exec runs a single command line.
func (c *Console) Exec(ctx context.Context, line string) error {
	cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)
	args := strings.Fields(rest)
	app := c.app

	switch cmd {
	case "":
		return nil
	case "help":
		fmt.Fprintln(c.out, consoleHelp)
	case "quit", "exit":
		return errQuit
	case "login":
		if len(args) != 2 {
			return errors.New("usage: login <identifier> <password>")
		}
		if err := app.Login(ctx, args[0], args[1]); err != nil {
			return err
		}
		return app.Sync(ctx)
	case "logout":
		app.channel.Disconnect()
		return app.session.Logout(ctx)
	case "whoami":
		p, ok := app.session.Identity()
		if !ok {
			return core.ErrNoIdentity
		}
		fmt.Fprintf(c.out, "%s %s (%s)\n", p.ID, p.Username, p.Email)
	case "friends":
		for _, f := range app.friends.Friends() {
			fmt.Fprintf(c.out, "%s %s\n", f.ID, f.Username)
		}
	case "chats":
		for _, conv := range app.store.Conversations() {
			fmt.Fprintln(c.out, formatConversation(conv, app.store.CurrentChat()))
		}
	case "dm":
		if len(args) != 1 {
			return errors.New("usage: dm <friendId>")
		}
		return c.directMessage(ctx, args[0])
	case "group":
		if len(args) != 2 {
			return errors.New("usage: group <name> <id,id,...>")
		}
		return c.group(args[0], strings.Split(args[1], ","))
	case "open":
		if len(args) != 1 {
			return errors.New("usage: open <chatId>")
		}
		return c.open(args[0])
	case "close":
		if current := app.store.CurrentChat(); current != "" {
			app.messenger.Close(current)
		}
	case "send":
		current := app.store.CurrentChat()
		if current == "" {
			return errors.New("no chat open")
		}
		m, err := app.messenger.Send(current, rest)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.out, formatMessage(m, false))
	case "history":
		chatID := app.store.CurrentChat()
		if len(args) > 0 {
			chatID = args[0]
		}
		for _, m := range app.store.MessagesByChatID(chatID) {
			fmt.Fprintln(c.out, formatMessage(m, false))
		}
	case "reload":
		app.friends.LoadFriends(ctx)
		app.store.LoadConversations(ctx)
		if err := errors.Join(app.friends.Err(), app.store.Err()); err != nil {
			return err
		}
	case "connect":
		return app.channel.Connect(ctx)
	case "disconnect":
		app.channel.Disconnect()
	case "status":
		fmt.Fprintf(c.out, "channel %s", app.channel.State())
		if err := app.channel.Err(); err != nil {
			fmt.Fprintf(c.out, " (%v)", err)
		}
		fmt.Fprintf(c.out, ", %d unread\n", app.store.UnreadCount())
	default:
		return fmt.Errorf("unknown command %q, try help", cmd)
	}
	return nil
}

func (c *Console) directMessage(ctx context.Context, friendID string) error {
	app := c.app
	if conv, ok := app.store.OpenChatWithFriend(ctx, friendID); ok {
		return c.open(conv.ID)
	}
	self, ok := app.session.Identity()
	if !ok {
		return core.ErrNoIdentity
	}
	friend, ok := app.friends.FriendByID(friendID)
	if !ok {
		return fmt.Errorf("%s is not a friend", friendID)
	}
	id, err := app.store.CreateChat([]core.Participant{self, friend})
	if err != nil {
		return err
	}
	return c.open(id)
}

func (c *Console) group(name string, ids []string) error {
	app := c.app
	self, ok := app.session.Identity()
	if !ok {
		return core.ErrNoIdentity
	}
	participants := []core.Participant{self}
	for _, id := range ids {
		friend, ok := app.friends.FriendByID(strings.TrimSpace(id))
		if !ok {
			return fmt.Errorf("%s is not a friend", id)
		}
		participants = append(participants, friend)
	}
	id, err := app.store.CreateGroupChat(participants, name, self.ID)
	if err != nil {
		return err
	}
	return c.open(id)
}

func (c *Console) open(chatID string) error {
	if _, ok := c.app.store.ChatByID(chatID); !ok {
		return fmt.Errorf("open %s: %w", chatID, core.ErrChatNotFound)
	}
	if current := c.app.store.CurrentChat(); current != "" && current != chatID {
		c.app.messenger.Close(current)
	}
	if err := c.app.messenger.Open(chatID); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "opened %s\n", chatID)
	for _, m := range c.app.store.MessagesByChatID(chatID) {
		fmt.Fprintln(c.out, formatMessage(m, false))
	}
	return nil
}

func formatConversation(conv core.Conversation, current string) string {
	var sb strings.Builder
	if conv.ID == current {
		sb.WriteString("> ")
	} else {
		sb.WriteString("  ")
	}
	sb.WriteString(conv.ID)
	if conv.IsGroup {
		fmt.Fprintf(&sb, " [%s]", conv.GroupName)
	}
	names := make([]string, 0, len(conv.Participants))
	for _, p := range conv.Participants {
		names = append(names, p.Username)
	}
	fmt.Fprintf(&sb, " %s", strings.Join(names, ", "))
	if conv.UnreadCount > 0 {
		fmt.Fprintf(&sb, " (%d unread)", conv.UnreadCount)
	}
	if conv.Local {
		sb.WriteString(" local")
	}
	return sb.String()
}

// formatMessage renders m on one line. background marks messages for a chat
// other than the foreground one.
func formatMessage(m core.Message, background bool) string {
	var sb strings.Builder
	if background {
		fmt.Fprintf(&sb, "* %s ", m.ChatID)
	}
	ts := time.UnixMilli(m.Timestamp).Format("15:04")
	sender := m.SenderName
	if sender == "" {
		sender = m.SenderID
	}
	fmt.Fprintf(&sb, "[%s] %s: %s", ts, sender, m.Content)
	if m.Pending {
		sb.WriteString(" (sending)")
	}
	return sb.String()
}
