// Package ipc implements the request/response protocol between the worker
// facade and the worker process.
//
// Messages travel as length-prefixed binary frames over a pair of
// unidirectional byte streams (the child's stdin and stdout when the worker
// runs as a separate process, or in-memory pipes in tests):
//
//	[magic:2][kind:1][flags:1][id:16][len:4][payload:len]
//
// All integers are big-endian. Every request carries a random ID and the
// worker echoes it in the matching Response, so the facade can route replies
// and drop ones whose caller already gave up.
package ipc

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/MrWong99/scribe/internal/engine"
)

// Kind identifies a message variant on the wire.
type Kind uint8

const (
	KindTranscribe  Kind = 1
	KindShutdown    Kind = 2
	KindUnloadModel Kind = 3
	KindLoadModel   Kind = 4
	KindResponse    Kind = 5
)

func (k Kind) String() string {
	switch k {
	case KindTranscribe:
		return "transcribe"
	case KindShutdown:
		return "shutdown"
	case KindUnloadModel:
		return "unload_model"
	case KindLoadModel:
		return "load_model"
	case KindResponse:
		return "response"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func (k Kind) valid() bool { return k >= KindTranscribe && k <= KindResponse }

// Message is one protocol message. Which fields are meaningful depends on
// Kind.
type Message struct {
	Kind Kind
	ID   uuid.UUID

	// Audio is the mono int16 PCM of a Transcribe request.
	Audio []byte

	// Reason is the optional Shutdown reason; HasReason distinguishes an
	// empty reason from none.
	Reason    string
	HasReason bool

	// Response is the payload of a Response message.
	Response engine.Response
}

// Transcribe returns a transcription request for pcm.
func Transcribe(pcm []byte) Message {
	return Message{Kind: KindTranscribe, ID: uuid.New(), Audio: pcm}
}

// Shutdown returns a shutdown request. An empty reason is sent as absent.
func Shutdown(reason string) Message {
	return Message{Kind: KindShutdown, ID: uuid.New(), Reason: reason, HasReason: reason != ""}
}

// UnloadModel returns a request to release the model.
func UnloadModel() Message {
	return Message{Kind: KindUnloadModel, ID: uuid.New()}
}

// LoadModel returns a request to (re)acquire the model.
func LoadModel() Message {
	return Message{Kind: KindLoadModel, ID: uuid.New()}
}

// Reply returns the Response for the request with the given id.
func Reply(id uuid.UUID, resp engine.Response) Message {
	return Message{Kind: KindResponse, ID: id, Response: resp}
}

// ExpectsReply reports whether the worker answers m with a Response.
func (m Message) ExpectsReply() bool {
	return m.Kind != KindShutdown && m.Kind != KindResponse
}
