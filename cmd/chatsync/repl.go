package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"realtimechat/internal/chat"
	"realtimechat/internal/media"
	"realtimechat/pkg/domain"
)

const helpText = `commands:
  register <username> <email> <password> [avatar.png]
  login <email> <password>
  logout
  chats
  open <username>
  send <text>
  image <path> [text]
  block
  quit`

// repl is the line-oriented front end. Subscription callbacks print from
// their own goroutines, so all output goes through print.
type repl struct {
	client *chat.Client
	in     io.Reader

	mu      sync.Mutex
	out     io.Writer
	shown   map[string]int
	blocked bool
}

func newREPL(client *chat.Client, in io.Reader, out io.Writer) *repl {
	r := &repl{client: client, in: in, out: out, shown: map[string]int{}}
	client.Transcript.OnChange(r.onTranscript)
	client.Selection.OnChange(r.onSelection)
	client.Session.OnChange(r.onProfile)
	return r
}

func (r *repl) run(ctx context.Context) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r.in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	r.print("%s", helpText)
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !r.exec(ctx, line) {
				return
			}
		}
	}
}

// exec runs one command and reports whether the loop should continue.
func (r *repl) exec(ctx context.Context, line string) bool {
	cmd, args := splitCommand(line)
	var err error
	switch cmd {
	case "":
	case "quit", "exit":
		return false
	case "help":
		r.print("%s", helpText)
	case "register":
		err = r.register(ctx, args)
	case "login":
		if len(args) != 2 {
			err = errors.New("usage: login <email> <password>")
			break
		}
		var me domain.Identity
		if me, err = r.client.Session.SignIn(ctx, args[0], args[1]); err == nil {
			r.print("signed in as %s", me.Username)
		}
	case "logout":
		r.client.Session.SignOut()
	case "chats":
		err = r.chats(ctx)
	case "open":
		if len(args) != 1 {
			err = errors.New("usage: open <username>")
			break
		}
		err = r.open(ctx, args[0])
	case "send":
		_, err = r.client.Transcript.Send(ctx, strings.Join(args, " "), nil)
	case "image":
		err = r.image(ctx, args)
	case "block":
		r.client.Selection.ToggleBlock(ctx)
	default:
		err = fmt.Errorf("unknown command %q (try help)", cmd)
	}
	if err != nil {
		r.print("error: %v", err)
	}
	return true
}

func (r *repl) register(ctx context.Context, args []string) error {
	if len(args) < 3 || len(args) > 4 {
		return errors.New("usage: register <username> <email> <password> [avatar.png]")
	}
	in := chat.RegisterInput{Username: args[0], Email: args[1], Password: args[2]}
	if len(args) == 4 {
		f, closeFn, err := openImage(args[3])
		if err != nil {
			return err
		}
		defer closeFn()
		in.Avatar = f
	}
	me, err := r.client.Session.Register(ctx, in)
	if err != nil {
		return err
	}
	r.print("registered and signed in as %s", me.Username)
	return nil
}

func (r *repl) chats(ctx context.Context) error {
	list, err := r.client.Membership.Conversations(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		r.print("no conversations yet, try: open <username>")
		return nil
	}
	for _, c := range list {
		name := c.Peer.Username
		if !c.PeerFound {
			name = "(deleted user)"
		}
		mark := " "
		if !c.Entry.IsSeen {
			mark = "*"
		}
		r.print("%s %-16s %s", mark, name, c.Entry.LastMessage)
	}
	return nil
}

func (r *repl) open(ctx context.Context, username string) error {
	peer, ok, err := r.client.Membership.LookupUsername(ctx, username)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no user named %q", username)
	}
	id, err := r.client.Membership.StartConversation(ctx, peer.ID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.shown, id)
	r.mu.Unlock()
	if err := r.client.OpenConversation(ctx, id, peer); err != nil {
		return err
	}
	r.print("-- conversation with %s --", peer.Username)
	return nil
}

func (r *repl) image(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: image <path> [text]")
	}
	f, closeFn, err := openImage(args[0])
	if err != nil {
		return err
	}
	defer closeFn()
	_, err = r.client.Transcript.Send(ctx, strings.Join(args[1:], " "), f)
	return err
}

func (r *repl) onTranscript(conversationID string, messages []domain.Message) {
	me := r.client.Session.UserID()
	peer := r.client.Selection.State().Peer.Username
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range messages[min(r.shown[conversationID], len(messages)):] {
		who := peer
		if m.SenderID == me {
			who = "me"
		}
		line := fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format("15:04"), who, m.Text)
		if m.ImgURL != "" {
			line += " <" + m.ImgURL + ">"
		}
		fmt.Fprintln(r.out, line)
	}
	r.shown[conversationID] = len(messages)
}

func (r *repl) onSelection(st chat.SelectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st.Blocked() == r.blocked {
		return
	}
	r.blocked = st.Blocked()
	switch {
	case st.IBlockedPeer:
		fmt.Fprintf(r.out, "you blocked %s\n", st.Peer.Username)
	case st.PeerBlockedMe:
		fmt.Fprintf(r.out, "%s blocked you\n", st.Peer.Username)
	default:
		fmt.Fprintln(r.out, "messaging unblocked")
	}
}

func (r *repl) onProfile(_ domain.Identity, ok bool) {
	if !ok {
		r.print("signed out")
	}
}

func (r *repl) print(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format+"\n", args...)
}

func splitCommand(line string) (string, []string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToLower(fields[0]), fields[1:]
}

func openImage(path string) (*media.File, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open image: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("stat image: %w", err)
	}
	return &media.File{Name: filepath.Base(path), Size: info.Size(), Reader: f}, func() { f.Close() }, nil
}
