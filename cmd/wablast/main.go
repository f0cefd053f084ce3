package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/araddon/dateparse"
	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/talkincode/wablast/config"
	"github.com/talkincode/wablast/internal/adminapi"
	"github.com/talkincode/wablast/internal/app"
	"github.com/talkincode/wablast/internal/codeextract"
	"github.com/talkincode/wablast/internal/domain"
	"github.com/talkincode/wablast/internal/queue"
	"github.com/talkincode/wablast/internal/session"
	"github.com/talkincode/wablast/internal/webserver"
)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:           "wablast",
		Short:         "Browser driven WhatsApp web messaging service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default wablast.yml)")
	root.AddCommand(serveCmd(), sessionCmd(), queueCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *app.Application {
	cfg := config.LoadConfig(cfgFile)
	a := app.NewApplication(cfg)
	a.Init(cfg)
	return a
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the admin API, queue processing and maintenance jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := newApp()
			defer a.Release()

			ctx, stop := signalContext()
			defer stop()
			a.StartBackgroundJobs(ctx)

			webserver.Init(a)
			adminapi.Init()

			errc := make(chan error, 1)
			go func() { errc <- webserver.Listen() }()

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
				zap.L().Info("shutting down")
				return webserver.Shutdown(10 * time.Second)
			}
		},
	}
}

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "session", Short: "Manage sessions"}

	cmd.AddCommand(&cobra.Command{
		Use:   "create <name>",
		Short: "Create a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := newApp()
			defer a.Release()
			id, err := a.Sessions().Create(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("session %d created\n", id)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := newApp()
			defer a.Release()
			sessions, err := a.Sessions().List(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATUS\tLAST ERROR")
			for _, s := range sessions {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", s.ID, s.Name, s.Status, s.LastError)
			}
			return w.Flush()
		},
	})

	var headless bool
	connect := &cobra.Command{
		Use:   "connect <id>",
		Short: "Connect a session, printing the login code in the terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := cast.ToInt64E(args[0])
			if err != nil {
				return fmt.Errorf("invalid session id %q", args[0])
			}
			a := newApp()
			defer a.Release()
			return connectSession(a, id, headless)
		},
	}
	connect.Flags().BoolVar(&headless, "headless", true, "run the browser without a window")
	cmd.AddCommand(connect)
	return cmd
}

// connectSession waits until the session is connected, failed, or interrupted.
func connectSession(a *app.Application, id int64, headless bool) error {
	ctx, stop := signalContext()
	defer stop()

	changes := make(chan session.StatusChange, 8)
	watch := func(c session.StatusChange) {
		if c.SessionID != id {
			return
		}
		select {
		case changes <- c:
		default:
		}
	}
	if err := a.Bus().Subscribe(session.TopicStatus, watch); err != nil {
		return err
	}
	defer func() { _ = a.Bus().Unsubscribe(session.TopicStatus, watch) }()

	res, err := a.Sessions().Connect(ctx, id, session.ConnectOptions{Headless: headless})
	if err != nil {
		return err
	}
	switch res.Status {
	case domain.SessionConnected:
		fmt.Println("already logged in")
		return nil
	case domain.SessionError:
		return fmt.Errorf("connect failed: %s", res.Error)
	}
	if err := printCode(res.LoginCode); err != nil {
		fmt.Printf("login code captured (%s) but cannot be shown in the terminal: %v\n", res.Strategy, err)
	}
	fmt.Println("scan the code with the phone app, waiting for login...")

	for {
		select {
		case <-ctx.Done():
			return a.Sessions().Disconnect(context.Background(), id)
		case c := <-changes:
			switch c.To {
			case domain.SessionConnected:
				fmt.Println("logged in")
				// keep the browser alive until interrupted so the session stays usable
				<-ctx.Done()
				return a.Sessions().Disconnect(context.Background(), id)
			case domain.SessionError:
				return fmt.Errorf("login failed: %s", c.Reason)
			}
		}
	}
}

func printCode(dataURL string) error {
	img, err := codeextract.ParseDataURL(dataURL)
	if err != nil {
		return err
	}
	text, err := codeextract.DecodeText(img)
	if err != nil {
		return err
	}
	qrterminal.GenerateHalfBlock(text, qrterminal.L, os.Stdout)
	return nil
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "queue", Short: "Queue messages for the serve process"}

	var (
		sessionID int64
		to, body  string
		media, at string
		priority  int
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Queue one message",
		RunE: func(cmd *cobra.Command, args []string) error {
			var scheduled *time.Time
			if at != "" {
				t, err := dateparse.ParseIn(at, time.Local)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				scheduled = &t
			}
			a := newApp()
			defer a.Release()
			item, err := a.Queue().Enqueue(cmd.Context(), queue.EnqueueRequest{
				SessionID:   sessionID,
				Recipient:   to,
				Body:        body,
				MediaRef:    media,
				Priority:    priority,
				ScheduledAt: scheduled,
				MaxRetries:  a.ConfigMgr().GetInt("queue", "max_retries"),
			})
			if err != nil {
				return err
			}
			fmt.Printf("queued %d\n", item.ID)
			return nil
		},
	}
	add.Flags().Int64Var(&sessionID, "session", 0, "session id")
	add.Flags().StringVar(&to, "to", "", "recipient phone number")
	add.Flags().StringVar(&body, "body", "", "message text")
	add.Flags().StringVar(&media, "media", "", "media url")
	add.Flags().StringVar(&at, "at", "", "deliver no earlier than this time")
	add.Flags().IntVar(&priority, "priority", 0, "higher is delivered first")
	_ = add.MarkFlagRequired("session")
	_ = add.MarkFlagRequired("to")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "status <queue-id>",
		Short: "Show the delivery status and history of a queued message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := cast.ToInt64E(args[0])
			if err != nil {
				return fmt.Errorf("invalid queue id %q", args[0])
			}
			a := newApp()
			defer a.Release()
			view, err := a.Queue().StatusOf(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Printf("%d: %s (retries %d/%d)\n", view.QueueID, view.Status, view.RetryCount, view.MaxRetries)
			events, err := a.Queue().History(cmd.Context(), id)
			if err != nil {
				return err
			}
			for _, ev := range events {
				fmt.Printf("  %s  %-10s %s\n", ev.Timestamp.Format(time.RFC3339), ev.Status, ev.ErrorMessage)
			}
			return nil
		},
	})
	return cmd
}
