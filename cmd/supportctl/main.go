// supportctl is a terminal client for the support engine. In owner mode
// it opens (or continues) the caller's ticket and chats on it; in staff
// mode it shows the queue and works tickets.
//
// Lines read from stdin are sent as messages. Lines starting with a slash
// are commands:
//
//	/resend            retry every unconfirmed message
//	/open <id>         staff: show a ticket
//	/assign <staff-id> staff: assign the open ticket
//	/status <status>   staff: resolve or close the open ticket
//	/priority <p>      staff: change the open ticket's priority
//	/queue             staff: print the queue
//	/quit
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-engine/internal/middleware"
	"github.com/capitalize-ai/support-engine/internal/model"
	"github.com/capitalize-ai/support-engine/internal/session"
	"github.com/capitalize-ai/support-engine/pkg/logger"
)

type options struct {
	server       string
	token        string
	secret       string
	userID       string
	name         string
	role         string
	subject      string
	conversation string
	status       string
	logLevel     string
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var opts options
	flags := pflag.NewFlagSet("supportctl", pflag.ContinueOnError)
	flags.StringVar(&opts.server, "server", "http://localhost:8080", "support API base URL")
	flags.StringVar(&opts.token, "token", os.Getenv("SUPPORT_TOKEN"), "bearer token (overrides --secret)")
	flags.StringVar(&opts.secret, "secret", os.Getenv("JWT_SECRET"), "HS256 secret used to mint a token for --user")
	flags.StringVarP(&opts.userID, "user", "u", "", "user id to mint a token for")
	flags.StringVar(&opts.name, "name", "", "display name")
	flags.StringVar(&opts.role, "role", string(model.RoleCustomer), "customer, provider or staff")
	flags.StringVar(&opts.subject, "subject", "", "owner: subject for a new ticket")
	flags.StringVar(&opts.conversation, "conversation", "", "staff: ticket to open on start")
	flags.StringVar(&opts.status, "status", "", "staff: queue status filter")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level")
	if err := flags.Parse(args); err != nil {
		return err
	}

	log, err := logger.New(opts.logLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()

	identity := model.Identity{ID: opts.userID, Role: model.Role(opts.role), DisplayName: opts.name}
	if !identity.Role.Valid() {
		return fmt.Errorf("unknown role %q", opts.role)
	}
	token := opts.token
	if token == "" {
		if opts.secret == "" || opts.userID == "" {
			return errors.New("either --token or --secret with --user is required")
		}
		if token, err = middleware.IssueToken(opts.secret, identity, 24*time.Hour); err != nil {
			return fmt.Errorf("failed to issue token: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := session.NewRemoteClient(opts.server, token, log)
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer client.Close()

	cfg := session.DefaultConfig()
	lines := readLines(ctx, os.Stdin)
	if identity.IsStaff() {
		return runStaff(ctx, client, identity, cfg, opts, lines, log)
	}
	return runOwner(ctx, client, identity, cfg, opts, lines, log)
}

func runOwner(ctx context.Context, client *session.RemoteClient, id model.Identity, cfg session.Config, opts options, lines <-chan string, log *logger.Logger) error {
	s := session.NewOwnerSession(client, client, id, cfg, log)
	conv, err := s.Open(ctx, opts.subject, "")
	if err != nil {
		return err
	}
	fmt.Printf("ticket %s (%s)\n", conv.ID, conv.Status)
	printed := printEntries(s.Entries(), 0)

	go runLoop(ctx, s.Run, log)
	defer s.Close(context.Background())

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.Changes():
			printed = printEntries(s.Entries(), printed)
		case line, ok := <-lines:
			if !ok || line == "/quit" {
				return nil
			}
			switch {
			case line == "/resend":
				resendAll(ctx, s.Entries(), s.Resend)
			case strings.HasPrefix(line, "/"):
				fmt.Println("unknown command")
			default:
				if _, err := s.Send(ctx, line); err != nil {
					report(err)
				}
			}
		}
	}
}

func runStaff(ctx context.Context, client *session.RemoteClient, id model.Identity, cfg session.Config, opts options, lines <-chan string, log *logger.Logger) error {
	s := session.NewStaffSession(client, client, id, cfg, log)
	if err := s.Load(ctx, model.ConversationFilter{Status: model.Status(opts.status), Limit: 50}); err != nil {
		return err
	}
	printQueue(s.Queue())
	printed := 0
	if opts.conversation != "" {
		if _, err := s.Open(ctx, opts.conversation); err != nil {
			return err
		}
		_, entries, _ := s.Detail()
		printed = printEntries(entries, 0)
	}

	go runLoop(ctx, s.Run, log)
	defer s.Close(context.Background())

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.Changes():
			if _, entries, ok := s.Detail(); ok {
				printed = printEntries(entries, printed)
			}
		case line, ok := <-lines:
			if !ok || line == "/quit" {
				return nil
			}
			cmd, arg, _ := strings.Cut(line, " ")
			var err error
			switch cmd {
			case "/queue":
				printQueue(s.Queue())
			case "/open":
				var conv *model.Conversation
				if conv, err = s.Open(ctx, arg); err == nil {
					fmt.Printf("ticket %s (%s) %q\n", conv.ID, conv.Status, conv.Subject)
					_, entries, _ := s.Detail()
					printed = printEntries(entries, 0)
				}
			case "/assign":
				_, err = s.Assign(ctx, arg)
			case "/status":
				_, err = s.SetStatus(ctx, model.Status(arg))
			case "/priority":
				_, err = s.SetPriority(ctx, model.Priority(arg))
			case "/resend":
				_, entries, _ := s.Detail()
				resendAll(ctx, entries, s.Resend)
			default:
				if strings.HasPrefix(line, "/") {
					fmt.Println("unknown command")
					continue
				}
				_, err = s.Send(ctx, line)
			}
			if err != nil {
				report(err)
			}
		}
	}
}

func runLoop(ctx context.Context, run func(context.Context) error, log *logger.Logger) {
	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("session stopped", zap.Error(err))
	}
}

func readLines(ctx context.Context, r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			select {
			case out <- line:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// printEntries prints entries past the first n and returns the new count.
// A shrinking timeline is reprinted in full.
func printEntries(entries []session.Entry, n int) int {
	if n > len(entries) {
		n = 0
	}
	for _, e := range entries[n:] {
		m := e.Message
		line := fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format("15:04"), sender(m), m.Body)
		if e.Delivery != session.Confirmed {
			line += " (" + e.Delivery.String() + ")"
		}
		fmt.Println(line)
	}
	return len(entries)
}

func sender(m model.Message) string {
	if m.SenderName != "" {
		return m.SenderName
	}
	if m.SenderRole != "" {
		return string(m.SenderRole)
	}
	return "you"
}

func printQueue(q model.ListConversationsResponse) {
	fmt.Printf("%d tickets\n", q.Total)
	for _, c := range q.Conversations {
		fmt.Printf("  %s  %-11s %-6s %-12s %q unread=%d\n", c.ID, c.Status, c.Priority, c.AssignedStaffDisplayName, c.Subject, c.UnreadCount)
	}
}

func resendAll(ctx context.Context, entries []session.Entry, resend func(context.Context, string) error) {
	for _, e := range entries {
		if e.Delivery == session.Unconfirmed {
			if err := resend(ctx, e.Message.ClientKey); err != nil {
				report(err)
			}
		}
	}
}

func report(err error) {
	if model.IsRetryable(err) {
		fmt.Printf("! %v (try /resend)\n", err)
		return
	}
	fmt.Printf("! %v\n", err)
}
