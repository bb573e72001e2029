package websocket

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

type socketClient struct {
	id     uuid.UUID
	socket *websocket.Conn

	// ctx is cancelled once the client disconnects, which allows
	// work started on behalf of the client to be abandoned.
	ctx    context.Context
	cancel context.CancelFunc
}

func newSocketClient(parent context.Context, id uuid.UUID, socket *websocket.Conn) *socketClient {
	ctx, cancel := context.WithCancel(parent)
	return &socketClient{id: id, socket: socket, ctx: ctx, cancel: cancel}
}

func (client *socketClient) SendMessage(message *SocketMessage) error {
	if err := client.socket.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}

	return client.socket.WriteJSON(message)
}

// Read starts a read-loop on the clients websocket connection, emitting
// all received messages on the channel provided. If the connection
// experiences an error, or the JSON unmarshalling fails, this error will be returned
// and consequently the read loop will close. It is the responsibility of the caller
// to de-register the client once the connection closes.
func (client *socketClient) Read(receive func(*socketClient, *SocketMessage)) error {
	for {
		var recv SocketMessage
		if err := client.socket.ReadJSON(&recv); err != nil {
			return err
		}

		// Set the message origin to point to this clients uuid
		origin := client.id
		recv.Origin = &origin
		receive(client, &recv)
	}
}

// Close will close this clients socket and cancel its context
func (client *socketClient) Close() {
	client.cancel()
	client.socket.Close()
}
