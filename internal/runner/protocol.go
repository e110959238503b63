package runner

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/storage"
)

// MaxMessageSize is the maximum allowed frame payload (16 MiB).
const MaxMessageSize = 16 << 20

// Host→child operations.
const (
	OpProbe      = "probe"
	OpLoadAssets = "load_assets"
	OpPrepare    = "prepare"
	OpCompute    = "compute"
	OpFinalize   = "finalize"
	OpReply      = "reply"
)

// Child→host message types.
const (
	MsgTypeLog      = "log"
	MsgTypeProgress = "progress"
	MsgTypeFetch    = "fetch"
	MsgTypeStore    = "store"
	MsgTypeAsset    = "asset"
	MsgTypeResult   = "result"
)

// HostMessage is the envelope for all host→child frames. Requests carry
// an operation; replies answer a fetch, store or asset message from the
// child and carry Op=reply.
type HostMessage struct {
	Op      string           `json:"op"`
	TaskID  string           `json:"task_id,omitempty"`
	Device  string           `json:"device,omitempty"`
	Inputs  []string         `json:"inputs,omitempty"`
	Params  model.Params     `json:"params,omitempty"`
	Payload json.RawMessage  `json:"payload,omitempty"`
	Assets  []string         `json:"assets,omitempty"`
	Records []storage.Record `json:"records,omitempty"`
	IDs     []string         `json:"ids,omitempty"`
	Data    []byte           `json:"data,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// ChildMessage is the envelope for all child→host frames. While an
// operation runs the child may send any number of log, progress, fetch,
// store and asset messages. It finishes the operation with one result.
type ChildMessage struct {
	Type     string           `json:"type"`
	Level    string           `json:"level,omitempty"`
	Line     string           `json:"line,omitempty"`
	Progress float64          `json:"progress,omitempty"`
	IDs      []string         `json:"ids,omitempty"`
	Records  []storage.Record `json:"records,omitempty"`
	Path     string           `json:"path,omitempty"`
	Payload  json.RawMessage  `json:"payload,omitempty"`
	Stages   []string         `json:"stages,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	// One write per frame so concurrent readers never see a torn header.
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	return nil
}
