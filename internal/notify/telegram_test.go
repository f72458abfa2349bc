package notify

import (
	"context"
	"testing"

	"bbmess/pkg/logx"
)

func TestNewDisabled(t *testing.T) {
	t.Parallel()
	n, err := New(Config{}, logx.Nop())
	if err != nil || n != nil {
		t.Fatalf("no token: got %v, %v", n, err)
	}
	n, err = New(Config{Token: "123:abc"}, logx.Nop())
	if err != nil || n != nil {
		t.Fatalf("no chat id: got %v, %v", n, err)
	}
}

func TestNotifyNilReceiver(t *testing.T) {
	t.Parallel()
	var n *Telegram
	n.Notify(context.Background(), "ignored") // must not panic
}
