package ccs

import "context"

// Handler processes one upstream message. A nil return acks the message;
// any error nacks it. The broker may redeliver after a nack, so handlers
// should tolerate seeing the same message twice.
type Handler interface {
	Process(ctx context.Context, msg Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg Message) error

func (f HandlerFunc) Process(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// ReceiptHandler observes broker receipts for downstream sends.
type ReceiptHandler interface {
	HandleAck(ctx context.Context, r Receipt)
	HandleNack(ctx context.Context, r Receipt)
}

// ReceiptFuncs adapts optional callbacks to ReceiptHandler.
type ReceiptFuncs struct {
	OnAck  func(ctx context.Context, r Receipt)
	OnNack func(ctx context.Context, r Receipt)
}

func (f ReceiptFuncs) HandleAck(ctx context.Context, r Receipt) {
	if f.OnAck != nil {
		f.OnAck(ctx, r)
	}
}

func (f ReceiptFuncs) HandleNack(ctx context.Context, r Receipt) {
	if f.OnNack != nil {
		f.OnNack(ctx, r)
	}
}
