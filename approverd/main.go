// approverd is the channel approver daemon: it registers with the
// dispatch daemon as the approver and text handler of record, queues
// incoming requests as events and applies the approval policy.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chrisinvisible/empathy-sub001/approver"
	"github.com/chrisinvisible/empathy-sub001/chatmgr"
	"github.com/chrisinvisible/empathy-sub001/dispatch"
	"github.com/chrisinvisible/empathy-sub001/events"
	"github.com/chrisinvisible/empathy-sub001/internal/ringtone"
	"github.com/chrisinvisible/empathy-sub001/prefs"
	"github.com/chrisinvisible/empathy-sub001/wsbus"
	"github.com/decred/slog"
	"golang.org/x/sync/errgroup"
)

// logConversation is the headless conversation used when no UI process
// attached: incoming channel traffic is logged only.
type logConversation struct {
	log slog.Logger
	ref chatmgr.ChatRef
}

func (conv *logConversation) Attach(ch dispatch.TextChannel) {
	conv.log.Infof("Conversation with %s:%s attached", conv.ref.Account,
		conv.ref.Target)
	ch.WatchMessages(func(m dispatch.Message) {
		conv.log.Infof("<%s:%s> %s", conv.ref.Target, m.SenderAlias, m.Text)
	})
}

// headlessPrompter stands in for the UI confirmation dialogs. Calls and
// invitations are accepted outright when so configured; otherwise they
// stay pending until the remote side gives up.
type headlessPrompter struct {
	log        slog.Logger
	autoAccept bool
}

func (p *headlessPrompter) Confirm(req approver.ConfirmRequest,
	decision func(accepted bool)) (dismiss func()) {

	if p.autoAccept {
		p.log.Infof("Auto-accepting confirmation for %s", req.Contact.Name())
		decision(true)
		return func() {}
	}
	p.log.Infof("Confirmation for %s pending; no UI attached", req.Contact.Name())
	return func() {}
}

func realMain() error {
	cfg, err := loadConfig()
	if errors.Is(err, errCmdDone) {
		return nil
	}
	if err != nil {
		return err
	}

	bknd, err := newLogBackend(cfg.LogFile, cfg.DebugLevel, cfg.MaxLogFiles)
	if err != nil {
		return err
	}
	defer bknd.close()
	log := bknd.logger("APPD")

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	pf, err := prefs.Load(cfg.PrefsFile, bknd.logger("PREF"))
	if err != nil {
		return err
	}

	queue := events.NewQueue(events.Config{
		NotificationAreaEnabled: pf.NotificationAreaEnabled,
		Logger:                  bknd.logger("EVNT"),
	})

	// Log the top event transitions; a UI front-end consumes these same
	// signals.
	queue.OnAdded(func(ev *events.Event) {
		log.Infof("Event: %s", ev.Header)
	})
	queue.OnUpdated(func(ev *events.Event) {
		log.Infof("Event updated: %s", ev.Header)
	})

	for ctx.Err() == nil {
		err := runSession(ctx, cfg, bknd, queue, pf)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Errorf("Bus session error: %v", err)
		}
		select {
		case <-ctx.Done():
		case <-time.After(cfg.ReconnectDelay):
			log.Infof("Reconnecting to bus at %s", cfg.BusAddr)
		}
	}
	return nil
}

// runSession runs one connected bus session until it fails or ctx is
// done.
func runSession(ctx context.Context, cfg *config, bknd *logBackend,
	queue *events.Queue, pf *prefs.Prefs) error {

	log := bknd.logger("APPD")

	bus, err := wsbus.Dial(ctx, wsbus.Config{
		Addr:   cfg.BusAddr,
		Logger: bknd.logger("WBUS"),
		OnSubscriptionRequest: func(acct dispatch.AccountID,
			contact *dispatch.Contact, message string) {

			queue.Add(events.EventSpec{
				Kind:    events.KindSubscription,
				Icon:    "contact-new",
				Header:  fmt.Sprintf("%s wants to subscribe to your presence", contact.Name()),
				Message: message,
				MustAck: true,
				Contact: contact,
			})
		},
	})
	if err != nil {
		return err
	}

	apprv, err := approver.New(approver.Config{
		Bus:      bus,
		Contacts: bus,
		Queue:    queue,
		Prompter: &headlessPrompter{log: log, autoAccept: cfg.AutoAcceptCalls},
		Ringer:   ringtone.New(bknd.logger("RING")),
		Logger:   bknd.logger("APRV"),
	})
	if err != nil {
		return err
	}

	chats, err := chatmgr.NewManager(chatmgr.Config{
		Bus: bus,
		NewConversation: func(ref chatmgr.ChatRef) chatmgr.Conversation {
			return &logConversation{log: bknd.logger("CHAT"), ref: ref}
		},
		Requester: bus,
		Accounts:  bus,
		Logger:    bknd.logger("CHAT"),
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bus.Run(gctx) })
	g.Go(func() error { return pf.Run(gctx) })
	g.Go(func() error { return apprv.Run(gctx) })
	g.Go(func() error { return chats.Run(gctx) })
	g.Go(func() error {
		// Join favorite rooms once at session start.
		for _, fav := range cfg.FavoriteRooms {
			acct, room, _ := strings.Cut(fav, "/")
			err := chats.JoinRoom(gctx, dispatch.AccountID(acct), room,
				dispatch.NotUserActionTime)
			if err != nil {
				log.Warnf("Unable to join favorite room %s: %v", fav, err)
			}
		}
		return nil
	})
	return g.Wait()
}

func main() {
	if err := realMain(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
