package pulsar

import (
	"bytes"
	"context"

	"github.com/KarpelesLab/pjson"
	"github.com/coder/websocket"
	"github.com/fxamacker/cbor/v2"
)

// ResponseSink receives finished envelopes for delivery on transports that
// are not plain HTTP responses.
type ResponseSink interface {
	SendResponse(r *Response) error
}

type EncoderInterface interface {
	Encode(obj any) error
}

func EncoderSink(enc EncoderInterface) ResponseSink {
	return &encoderSink{enc: enc}
}

type encoderSink struct {
	enc EncoderInterface
}

func (e *encoderSink) SendResponse(r *Response) error {
	return e.enc.Encode(r.getResponseData())
}

type websocketSink struct {
	ctx  context.Context
	cl   *wsClient
	cbor bool
}

func (w *websocketSink) SendResponse(r *Response) error {
	if w.cbor {
		bin, err := cbor.Marshal(r.getResponseData())
		if err != nil {
			return err
		}
		return w.cl.write(w.ctx, websocket.MessageBinary, bin)
	}
	buf := &bytes.Buffer{}
	enc := pjson.NewEncoderContext(r.GetContext(), buf)
	if err := enc.Encode(r.getResponseData()); err != nil {
		return err
	}
	return w.cl.write(w.ctx, websocket.MessageText, buf.Bytes())
}
