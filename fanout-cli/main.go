// Command line viewer of a fanout topic. Prints the newest messages and keeps them up to date,
// or posts, edits and deletes messages.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tinode/fanout/client"
	"github.com/tinode/fanout/server/logs"
	"github.com/tinode/fanout/server/store/types"
)

var (
	logFlags = flag.String("log_flags", "stdFlags", "comma-separated list of log flags")
	api      = flag.String("api", "http://localhost:6060/v0/", "base URL of the fanout API")
	tok      = flag.String("token", "", "access token of the member, see keygen")
	topic    = flag.String("topic", "", "topic to view or post to")
	post     = flag.String("post", "", "post a message with the given content and exit")
	edit     = flag.String("edit", "", "ID of the message to replace with -post content")
	del      = flag.String("delete", "", "ID of the message to delete")
	pages    = flag.Int("pages", 1, "number of history pages to load on start")
	interval = flag.Duration("poll", client.DefaultPollInterval, "polling interval while the channel is down")
	verbose  = flag.Bool("verbose", false, "print message IDs and timestamps")
)

// channelURL converts the API URL to the websocket channel URL.
func channelURL(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	u.Path += "channels"
	return u.String(), nil
}

func formatMessage(msg *types.Message, verbose bool) string {
	var sb strings.Builder
	if verbose {
		fmt.Fprintf(&sb, "[%s %s] ", msg.Id, msg.CreatedAt.Local().Format(time.DateTime))
	}
	sb.WriteString(msg.From)
	sb.WriteString(": ")
	if msg.Content != nil {
		sb.WriteString(*msg.Content)
	}
	if msg.FileUrl != nil {
		if msg.Content != nil {
			sb.WriteString(" ")
		}
		sb.WriteString("<" + *msg.FileUrl + ">")
	}
	if msg.Updated() && !msg.Deleted {
		sb.WriteString(" (edited)")
	}
	return sb.String()
}

// render prints the window oldest first, followed by the connectivity indicator.
func render(w io.Writer, items []types.Message, status string, verbose bool) {
	fmt.Fprintln(w, "----")
	for i := len(items) - 1; i >= 0; i-- {
		fmt.Fprintln(w, formatMessage(&items[i], verbose))
	}
	fmt.Fprintln(w, status)
}

func write(ctx context.Context, f *client.HTTPFetcher) error {
	var msg *types.Message
	var err error
	switch {
	case *del != "":
		msg, err = f.Delete(ctx, *topic, *del)
	case *edit != "":
		msg, err = f.Edit(ctx, *topic, *edit, *post)
	default:
		msg, err = f.Post(ctx, *topic, post, nil)
	}
	if err != nil {
		return err
	}
	fmt.Println(formatMessage(msg, true))
	return nil
}

func watch(ctx context.Context, f *client.HTTPFetcher) error {
	chURL, err := channelURL(*api)
	if err != nil {
		return err
	}

	ctrl := client.NewController(client.Config{Topic: *topic, PollInterval: *interval},
		f, client.NewWSStream(chURL, *tok))

	done := make(chan error, 1)
	go func() {
		done <- ctrl.Run(ctx)
	}()

	go func() {
		for i := 1; i < *pages; i++ {
			if err := ctrl.LoadMore(ctx); err != nil {
				logs.Warn.Println("load more failed:", err)
				return
			}
		}
	}()

	for {
		select {
		case <-ctrl.Changes():
			render(os.Stdout, ctrl.Snapshot(), ctrl.Status(), *verbose)
		case err := <-done:
			if err == context.Canceled {
				return nil
			}
			return err
		}
	}
}

func main() {
	flag.Parse()
	logs.Init(os.Stderr, *logFlags)

	if *topic == "" {
		log.Fatal("-topic must be provided")
	}
	if *tok == "" {
		log.Fatal("-token must be provided")
	}
	if *edit != "" && *post == "" {
		log.Fatal("-edit requires -post with the new content")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	f := client.NewHTTPFetcher(*api, *tok)

	var err error
	if *post != "" || *del != "" {
		err = write(ctx, f)
	} else {
		err = watch(ctx, f)
	}
	if err != nil {
		log.Fatal(err)
	}
}
