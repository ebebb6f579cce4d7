package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logs "github.com/danmuck/smsrelay/internal/logging"
	"github.com/danmuck/smsrelay/internal/protocol"
	"github.com/danmuck/smsrelay/internal/replytarget"
)

type ExecutorConfig struct {
	Sender   SmsSender
	Targets  *replytarget.Store
	Injector replytarget.Injector
	Cache    *IdempotencyCache
	Now      func() time.Time
}

// Executor runs reply commands against the platform collaborators and emits
// exactly one result message per resolved command.
type Executor struct {
	sender   SmsSender
	targets  *replytarget.Store
	injector replytarget.Injector
	cache    *IdempotencyCache
	tracker  *Tracker
	emit     func(protocol.Message)
}

func NewExecutor(cfg ExecutorConfig, emit func(protocol.Message)) *Executor {
	if cfg.Targets == nil {
		cfg.Targets = replytarget.NewStore(replytarget.WithClock(cfg.Now))
	}
	if cfg.Cache == nil {
		cfg.Cache = NewIdempotencyCache(DefaultIdempotencyTTL, DefaultIdempotencyCapacity, cfg.Now)
	}
	if emit == nil {
		emit = func(protocol.Message) {}
	}
	e := &Executor{
		sender:   cfg.Sender,
		targets:  cfg.Targets,
		injector: cfg.Injector,
		cache:    cfg.Cache,
		emit:     emit,
	}
	e.tracker = NewTracker(e.finishDirect)
	return e
}

func (e *Executor) Targets() *replytarget.Store {
	return e.targets
}

// QuickReply re-injects text into an observed conversation.
func (e *Executor) QuickReply(ctx context.Context, cmd protocol.SmsReply) protocol.SmsReplyResult {
	res := protocol.SmsReplyResult{ReplyKey: cmd.ReplyKey, Success: true}
	if err := e.quickReply(ctx, cmd.ReplyKey, cmd.SourceApp, cmd.ConversationKey, cmd.Body); err != nil {
		res.Success = false
		res.Reason = protocol.ReasonFor(err)
		logs.Warnf("command.Executor.QuickReply reply_key=%q err=%v", cmd.ReplyKey, err)
	}
	e.emit(res)
	return res
}

func (e *Executor) quickReply(ctx context.Context, handle, sourceApp, conversationKey, body string) error {
	if err := (protocol.SmsReply{ReplyKey: handle, SourceApp: sourceApp, ConversationKey: conversationKey, Body: body}).Validate(); err != nil {
		return err
	}
	if e.injector == nil {
		return fmt.Errorf("%w: reply injector unavailable", protocol.ErrSendPrimitiveFailure)
	}
	rec, err := e.targets.Resolve(handle, sourceApp, conversationKey)
	if err != nil {
		return err
	}
	if err := e.injector.InjectReply(ctx, rec, body); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrSendPrimitiveFailure, err)
	}
	return nil
}

// DirectSend originates an SMS for cmd. Retries of a resolved client_msg_id are
// answered from cache; retries of one still in flight are ignored.
func (e *Executor) DirectSend(ctx context.Context, cmd protocol.ReplySms) {
	if err := cmd.Validate(); err != nil {
		e.emit(protocol.ReplySmsResult{ClientMsgID: cmd.ClientMsgID, Success: false, Reason: protocol.ReasonFor(err)})
		return
	}
	id := cmd.ClientMsgID
	if cached, ok := e.cache.Get(id); ok {
		logs.Debugf("command.Executor.DirectSend client_msg_id=%q cached=true", id)
		e.emit(resultMessage(cached))
		return
	}
	dest, ok := NormalizeDestination(cmd.To)
	if !ok && !e.canFallBack(cmd) {
		// Nothing can deliver it: fail like any other invalid command, uncached.
		logs.Warnf("command.Executor.DirectSend client_msg_id=%q to=%q unnormalizable", id, cmd.To)
		e.emit(protocol.ReplySmsResult{ClientMsgID: id, Success: false, Reason: protocol.ReasonFor(ErrRecipientUnavailable)})
		return
	}
	if !e.tracker.Begin(id) {
		logs.Debugf("command.Executor.DirectSend client_msg_id=%q in_flight=true", id)
		return
	}
	if !ok {
		// Unnormalizable but a reply surface exists for the conversation.
		e.fallbackOrFail(ctx, cmd, ErrRecipientUnavailable)
		return
	}
	if e.sender == nil {
		e.tracker.Abort(id, protocol.ReasonFor(fmt.Errorf("%w: sms sender unavailable", protocol.ErrSendPrimitiveFailure)))
		return
	}
	parts, err := e.sender.SendText(ctx, dest, strings.TrimSpace(cmd.Body), func(perr error) {
		e.tracker.PartFinished(id, perr)
	})
	if err != nil {
		if errors.Is(err, ErrRecipientUnavailable) {
			e.fallbackOrFail(ctx, cmd, err)
			return
		}
		e.tracker.Abort(id, protocol.ReasonFor(err))
		return
	}
	e.tracker.SetExpected(id, parts)
}

// canFallBack reports whether the quick-reply path has a target for cmd's conversation.
func (e *Executor) canFallBack(cmd protocol.ReplySms) bool {
	if e.injector == nil || strings.TrimSpace(cmd.SourceApp) == "" {
		return false
	}
	_, err := e.targets.Resolve("", cmd.SourceApp, cmd.ConversationID)
	return err == nil
}

// fallbackOrFail retries through the reply-target path for the same conversation.
func (e *Executor) fallbackOrFail(ctx context.Context, cmd protocol.ReplySms, cause error) {
	id := cmd.ClientMsgID
	if strings.TrimSpace(cmd.SourceApp) != "" {
		err := e.quickReply(ctx, "", cmd.SourceApp, cmd.ConversationID, cmd.Body)
		if err == nil {
			logs.Infof("command.Executor.DirectSend client_msg_id=%q path=quick_reply", id)
			e.tracker.Forget(id)
			e.finishDirect(Result{ID: id, Success: true})
			return
		}
		logs.Debugf("command.Executor.DirectSend client_msg_id=%q fallback_err=%v", id, err)
	}
	e.tracker.Abort(id, protocol.ReasonFor(cause))
}

func (e *Executor) finishDirect(res Result) {
	e.cache.Put(res)
	if !res.Success {
		logs.Warnf("command.Executor.DirectSend client_msg_id=%q reason=%q", res.ID, res.Reason)
	}
	e.emit(resultMessage(res))
}

func resultMessage(res Result) protocol.ReplySmsResult {
	return protocol.ReplySmsResult{ClientMsgID: res.ID, Success: res.Success, Reason: res.Reason}
}
