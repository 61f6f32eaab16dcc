package heartbeat

import (
	"context"
	"fmt"

	"github.com/rialto-go/rialto/pkg/ipc"
)

// AckSender is the Heartbeat/Ack transport (C12): delivery of the Ack
// message back to the parent once a Procedure completes.
type AckSender interface {
	SendAck(ctx context.Context, id uint64, success bool) error
}

// ChannelAckSender sends Ack over an ipc.Channel, the transport
// AppManagementServer uses back to the parent process.
type ChannelAckSender struct {
	Channel *ipc.Channel
}

// SendAck issues the Ack RPC.
func (c ChannelAckSender) SendAck(ctx context.Context, id uint64, success bool) error {
	payload := []byte(fmt.Sprintf("%d:%t", id, success))
	_, err := c.Channel.Call(ctx, "ack", payload)
	return err
}
