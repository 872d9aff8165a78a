package tools

import (
	"context"
	"strconv"
)

// Request-scoped values are injected into context by the scheduler and read
// by individual tools during Execute(). This keeps tool instances free of
// mutable setter fields and thread-safe for concurrent lanes.

type toolContextKey string

const (
	ctxRequest   toolContextKey = "tool_request"
	ctxWorkspace toolContextKey = "tool_workspace"
	ctxDeliver   toolContextKey = "tool_deliver"
)

// Request carries the fields of the message currently being processed. Shell
// subprocesses receive these as SMA_CTX_* environment variables so they can
// call back into the local server.
type Request struct {
	ContextID  string
	RequestID  string
	Channel    string
	TargetID   string
	ActorID    string
	ActorName  string
	MessageID  string
	ThreadID   *int64
	ServerHost string
	ServerPort int
}

// Env renders the request as SMA_CTX_* environment variable pairs.
func (r Request) Env() []string {
	env := []string{
		"SMA_CTX_CONTEXT_ID=" + r.ContextID,
		"SMA_CTX_REQUEST_ID=" + r.RequestID,
		"SMA_CTX_CHANNEL=" + r.Channel,
		"SMA_CTX_TARGET_ID=" + r.TargetID,
		"SMA_CTX_ACTOR_ID=" + r.ActorID,
	}
	if r.ActorName != "" {
		env = append(env, "SMA_CTX_ACTOR_NAME="+r.ActorName)
	}
	if r.MessageID != "" {
		env = append(env, "SMA_CTX_MESSAGE_ID="+r.MessageID)
	}
	if r.ThreadID != nil {
		env = append(env, "SMA_CTX_THREAD_ID="+strconv.FormatInt(*r.ThreadID, 10))
	}
	if r.ServerHost != "" {
		env = append(env,
			"SMA_CTX_SERVER_HOST="+r.ServerHost,
			"SMA_CTX_SERVER_PORT="+strconv.Itoa(r.ServerPort),
		)
	}
	return env
}

func WithRequest(ctx context.Context, r Request) context.Context {
	return context.WithValue(ctx, ctxRequest, r)
}

func RequestFromCtx(ctx context.Context) Request {
	v, _ := ctx.Value(ctxRequest).(Request)
	return v
}

func WithWorkspace(ctx context.Context, ws string) context.Context {
	return context.WithValue(ctx, ctxWorkspace, ws)
}

func WorkspaceFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxWorkspace).(string)
	return v
}

// DeliverHook lets tools push an interim outbound message while the loop is
// still running (chat_send).
type DeliverHook func(channel, targetID, text string)

func WithDeliver(ctx context.Context, fn DeliverHook) context.Context {
	return context.WithValue(ctx, ctxDeliver, fn)
}

func DeliverFromCtx(ctx context.Context) DeliverHook {
	v, _ := ctx.Value(ctxDeliver).(DeliverHook)
	return v
}
