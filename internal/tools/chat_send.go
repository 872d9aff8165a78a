package tools

import "context"

// ChatSendTool delivers an interim message to the user while the tool loop is
// still running. Delivery goes through the hook the scheduler placed in ctx;
// without one the tool degrades to an error the model can read.
type ChatSendTool struct{}

func NewChatSendTool() *ChatSendTool { return &ChatSendTool{} }

func (t *ChatSendTool) Name() string { return "chat_send" }
func (t *ChatSendTool) Description() string {
	return "Send a message to the user immediately, before the current turn finishes"
}
func (t *ChatSendTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"text": map[string]interface{}{
				"type":        "string",
				"description": "Message text to deliver",
			},
		},
		"required": []string{"text"},
	}
}

func (t *ChatSendTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	text, _ := args["text"].(string)
	if text == "" {
		return ErrorResult("text is required")
	}
	deliver := DeliverFromCtx(ctx)
	if deliver == nil {
		return ErrorResult("no delivery channel available")
	}
	req := RequestFromCtx(ctx)
	deliver(req.Channel, req.TargetID, text)
	return JSONResult(map[string]interface{}{"success": true, "delivered": true})
}
