package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	taskmarket "github.com/taskmarket/taskmarket/sdk/golang"
)

var listenMetricsAddr string

func init() {
	rootCmd.AddCommand(listenCmd)
	listenCmd.Flags().StringVar(&listenMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Follow conversations and notifications in real time",
	Long:  "Open the user socket and print incoming messages, read receipts, notifications,\nunread counters and connection changes until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		session, err := newSession(taskmarket.WithMetrics(taskmarket.NewMetrics(reg)))
		if err != nil {
			return err
		}
		defer session.Close()

		if listenMetricsAddr != "" {
			srv := &http.Server{Addr: listenMetricsAddr, Handler: metricsMux(reg), ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics_server_failed", "error", err)
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving metrics on %s/metrics\n", listenMetricsAddr)
		}

		watch(session)
		if err := session.Start(ctx); err != nil {
			return err
		}
		c := session.Unread().Counts()
		fmt.Printf("Listening as %s: %d unread messages, %d unread notifications\n", session.UserID(), c.Messages, c.Notifications)

		<-ctx.Done()
		fmt.Println()
		return nil
	},
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

// watch prints the session's events to stdout.
func watch(s *taskmarket.Session) {
	s.Router().Subscribe(taskmarket.Handlers{
		ChatMessage: func(c taskmarket.ChatContext) {
			fmt.Printf("message   #%s %s\n", c.Message.ConversationID, formatMessage(c.Message))
		},
		MessagesRead: func(r taskmarket.MessagesRead) {
			fmt.Printf("read      #%s by %s\n", r.ConversationID, valueOrDefault(r.Reader.Username, string(r.Reader.ID)))
		},
		ConversationUpdated: func(c taskmarket.Conversation) {
			fmt.Printf("updated   #%s\n", c.ID)
		},
		Notification: func(n taskmarket.Notification) {
			fmt.Printf("notify    %s\n", formatNotification(n))
		},
	})
	s.Unread().OnChange(func(c taskmarket.UnreadCounts) {
		fmt.Printf("unread    messages=%d notifications=%d total=%d\n", c.Messages, c.Notifications, c.Total)
	})
	s.Connections().OnStateChange(func(e taskmarket.StateChange) {
		fmt.Printf("socket    %s %s\n", e.Key, e.State)
	})
	s.Connections().OnReconnecting(func(e taskmarket.ReconnectEvent) {
		fmt.Printf("socket    %s retry %d in %s\n", e.Key, e.Attempt, e.Delay)
	})
	s.Connections().OnFailed(func(e taskmarket.FailedEvent) {
		fmt.Printf("socket    %s: %v\n", e.Key, e.Err)
	})
}
