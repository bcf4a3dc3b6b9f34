// Terminal client exercising the whole realtime layer: encrypted room chat
// with optimistic echo, the notification inbox, and meeting reminders with an
// audible (terminal bell) urgent path.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/skillbridge/realtime/internal/chat"
	"github.com/skillbridge/realtime/internal/config"
	"github.com/skillbridge/realtime/internal/conn"
	"github.com/skillbridge/realtime/internal/inbox"
	"github.com/skillbridge/realtime/internal/logger"
	"github.com/skillbridge/realtime/internal/model"
	"github.com/skillbridge/realtime/internal/pairkey"
	"github.com/skillbridge/realtime/internal/reminder"
	"github.com/skillbridge/realtime/internal/rest"
)

// bellPresenter renders reminders on the terminal; urgent stages ring the
// bell repeatedly.
type bellPresenter struct{}

func (bellPresenter) Show(r model.ReminderEvent, opts reminder.PresentOptions) {
	bell := "\a"
	if opts.RepeatTone {
		bell = "\a\a\a"
	}
	fmt.Printf("%s⏰ %s in %d min (%s)  [/join %s | /dismiss %s]\n",
		bell, r.Subject, r.MinutesUntilMeeting, r.Stage, r.MeetingID, r.MeetingID)
}

func (bellPresenter) Remove(meetingID string) {}

func (bellPresenter) OpenMeeting(url string) {
	fmt.Printf("opening meeting: %s\n", url)
}

func main() {
	logger.SetPrefix("chat-cli")

	var (
		token    = flag.String("token", "", "session bearer token (JWT)")
		selfID   = flag.String("self", "", "own user id")
		selfName = flag.String("name", "", "own display name")
		peerID   = flag.String("peer", "", "peer user id")
		peerName = flag.String("peer-name", "", "peer display name")
		roomID   = flag.String("room", "", "room id (offer id)")
	)
	flag.Parse()
	if *token == "" || *selfID == "" || *peerID == "" || *roomID == "" {
		fmt.Fprintln(os.Stderr, "usage: chat-cli -token T -self U1 -peer U2 -room R")
		os.Exit(2)
	}

	cfg := config.Load()
	self := model.User{ID: *selfID, Name: *selfName}
	peer := model.User{ID: *peerID, Name: *peerName}

	api := rest.NewClient(cfg.APIBaseURL, *token)
	codec := pairkey.NewCodec(cfg.KeySalt)
	mgr := conn.NewManager(cfg.SocketURL, conn.Options{
		BackoffBase: cfg.BackoffBase,
		BackoffCap:  cfg.BackoffCap,
		MaxAttempts: cfg.MaxAttempts,
	})
	mgr.OnStateChange(func(s conn.State) {
		if s != conn.StateConnected {
			fmt.Printf("· connection: %s\n", s)
		}
	})

	ctx := context.Background()
	if _, err := mgr.Connect(ctx, *token); err != nil {
		logger.Errorf("connect: %v", err)
		os.Exit(1)
	}
	defer mgr.Disconnect()

	box := inbox.NewAggregator(api, mgr, cfg.PageLimit)
	box.SetOnUpdate(func(s inbox.Snapshot) {
		if !s.Dormant {
			fmt.Printf("· unread notifications: %d\n", s.Unread)
		}
	})
	box.Attach()
	defer box.Detach()
	if err := box.RefreshUnread(ctx); err != nil {
		logger.Errorf("unread: %v", err)
	}

	disp := reminder.NewDispatcher(mgr, bellPresenter{}, reminder.Config{
		NormalDuration: time.Duration(cfg.Reminder.NormalDurationSec) * time.Second,
		UrgentDuration: time.Duration(cfg.Reminder.UrgentDurationSec) * time.Second,
		NormalPitch:    cfg.Reminder.NormalPitchHz,
		UrgentPitch:    cfg.Reminder.UrgentPitchHz,
	})
	disp.Attach()
	defer disp.Detach()

	ch := chat.NewChannel(*roomID, self, peer, api, mgr, codec)
	ch.SetEchoWindow(cfg.EchoWindow)
	ch.SetOnUpdate(func(msgs []model.Message) {
		if len(msgs) == 0 {
			return
		}
		m := msgs[len(msgs)-1]
		marker := ""
		if m.State == model.MessagePending {
			marker = " (sending…)"
		}
		fmt.Printf("[%s] %s: %s%s\n", m.SentAt.Format("15:04:05"), m.SenderID, m.Body, marker)
	})
	if err := ch.Open(ctx); err != nil {
		logger.Errorf("open room %s: %v", *roomID, err)
		os.Exit(1)
	}
	defer ch.Close()

	fmt.Printf("room %s open — type a message, /inbox, /read-all, /join ID, /dismiss ID, /quit\n", *roomID)
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
		case line == "/quit":
			return
		case line == "/inbox":
			box.SetPanelOpen(true)
			if err := box.FetchPage(ctx, 1); err != nil {
				fmt.Println("inbox unavailable right now")
				continue
			}
			for _, it := range box.Snapshot().Items {
				mark := " "
				if !it.Read {
					mark = "*"
				}
				fmt.Printf("%s %s  %s\n", mark, it.CreatedAt.Format("Jan 2 15:04"), it.Title)
			}
		case line == "/read-all":
			if err := box.MarkAllAsRead(ctx); err != nil {
				fmt.Println("could not mark read")
			}
		case strings.HasPrefix(line, "/join "):
			disp.Join(strings.TrimSpace(strings.TrimPrefix(line, "/join ")))
		case strings.HasPrefix(line, "/dismiss "):
			disp.Dismiss(strings.TrimSpace(strings.TrimPrefix(line, "/dismiss ")))
		default:
			if _, err := ch.Send(ctx, line); err != nil {
				// The optimistic entry was rolled back; put the text back in
				// front of the user.
				var se *chat.SendError
				if errors.As(err, &se) {
					fmt.Printf("send failed, your text: %q\n", se.Body)
				} else {
					fmt.Println("send failed")
				}
			}
		}
	}
}
