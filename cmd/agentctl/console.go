package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/danmuck/smsrelay/internal/agent"
	logs "github.com/danmuck/smsrelay/internal/logging"
	"github.com/danmuck/smsrelay/internal/protocol"
	"github.com/danmuck/smsrelay/internal/replytarget"
)

// consolePlatform stands in for the phone: sends and injections are printed.
type consolePlatform struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *consolePlatform) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format+"\n", args...)
}

func (p *consolePlatform) SendText(_ context.Context, destination, body string, onPart func(error)) (int, error) {
	p.printf("SEND to=%s body=%q", destination, body)
	go onPart(nil)
	return 1, nil
}

func (p *consolePlatform) InjectReply(_ context.Context, rec replytarget.Record, body string) error {
	p.printf("REPLY handle=%s app=%s conversation=%q body=%q", rec.Handle, rec.SourceApp, rec.ConversationKey, body)
	return nil
}

func (p *consolePlatform) HangUp(context.Context) error {
	p.printf("HANGUP")
	return nil
}

func (p *consolePlatform) Platform() agent.Platform {
	return agent.Platform{Sms: p, Replies: p, Calls: p}
}

// consoleEvent is one stdin line describing an observed notification.
//
//	{"kind":"sms","key":"n1","from":"Alice","fromPhone":"+1555...","body":"hi","sourcePackage":"com.example.msg","replyable":true}
//	{"kind":"call","from":"+1555...","name":"Alice"}
//	{"kind":"removed","key":"n1"}
type consoleEvent struct {
	Kind            string `json:"kind"`
	Key             string `json:"key"`
	Group           string `json:"group"`
	GroupSummary    bool   `json:"groupSummary"`
	Replyable       bool   `json:"replyable"`
	From            string `json:"from"`
	FromPhone       string `json:"fromPhone"`
	Name            string `json:"name"`
	Body            string `json:"body"`
	SourceApp       string `json:"sourcePackage"`
	ConversationKey string `json:"conversationKey"`
}

func parseConsoleEvent(line string) (consoleEvent, error) {
	var ev consoleEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return consoleEvent{}, fmt.Errorf("parse event: %w", err)
	}
	ev.Kind = strings.ToLower(strings.TrimSpace(ev.Kind))
	switch ev.Kind {
	case "sms", "call":
	case "removed":
		if ev.Key == "" {
			return consoleEvent{}, fmt.Errorf("parse event: removed needs key")
		}
	default:
		return consoleEvent{}, fmt.Errorf("parse event: unknown kind %q", ev.Kind)
	}
	return ev, nil
}

// apply feeds ev to the relay and reports whether an event was queued.
func (ev consoleEvent) apply(r *agent.Relay) bool {
	switch ev.Kind {
	case "sms":
		conv := ev.ConversationKey
		if conv == "" {
			conv = ev.From
		}
		obs := replytarget.Observation{
			Key:             ev.Key,
			SourceApp:       ev.SourceApp,
			ConversationKey: conv,
			Group:           ev.Group,
			GroupSummary:    ev.GroupSummary,
		}
		if ev.Replyable {
			obs.Capability = ev.Key
		}
		return r.ObserveNotification(obs, protocol.SmsNotification{
			From:            ev.From,
			FromPhone:       ev.FromPhone,
			Body:            ev.Body,
			SourceApp:       ev.SourceApp,
			ConversationKey: conv,
		})
	case "call":
		return r.ObserveCall(protocol.CallIncoming{From: ev.From, Name: ev.Name})
	case "removed":
		r.NotificationRemoved(ev.Key)
	}
	return false
}

// feed reads events from in until EOF or ctx ends.
func feed(ctx context.Context, in io.Reader, r *agent.Relay) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ev, err := parseConsoleEvent(line)
		if err != nil {
			logs.Warnf("agentctl.feed err=%v", err)
			continue
		}
		if !ev.apply(r) && ev.Kind != "removed" {
			logs.Debugf("agentctl.feed suppressed kind=%s", ev.Kind)
		}
	}
	return scanner.Err()
}
