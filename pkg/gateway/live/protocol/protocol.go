package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vango-go/evalroom/pkg/core/session"
)

const (
	ProtocolVersion1 = "1"
)

// Client frame types.
const (
	TypeHello        = "hello"
	TypeSlideChanged = "slide_changed"
	TypeAudioChunk   = "audio_chunk"
	TypeSessionEnd   = "session_end"
)

// Server frame types.
const (
	TypeHelloAck         = "hello_ack"
	TypeLiveScoreUpdate  = "live_score_update"
	TypeAIQuestion       = "ai_question"
	TypeAudioAck         = "audio_ack"
	TypeStateChanged     = "state_changed"
	TypeSessionCompleted = "session_completed"
	TypeDisconnectAck    = "disconnect_ack"
	TypeWarning          = "warning"
	TypeError            = "error"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

type HelloClient struct {
	Name     string `json:"name,omitempty"`
	Version  string `json:"version,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// ClientHello must be the first frame on a connection.
type ClientHello struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	SessionID       string      `json:"session_id,omitempty"`
	Client          HelloClient `json:"client,omitempty"`
}

func (h ClientHello) RedactedForLog() map[string]any {
	return map[string]any{
		"type":             h.Type,
		"protocol_version": h.ProtocolVersion,
		"session_id":       h.SessionID,
		"client":           h.Client.Name,
		"client_version":   h.Client.Version,
	}
}

type ClientSlideChanged struct {
	Type     string `json:"type"`
	Index    *int   `json:"index"`
	ImageRef string `json:"image_ref,omitempty"`
}

type ClientAudioChunk struct {
	Type        string `json:"type"`
	Sequence    int64  `json:"sequence"`
	AudioB64    string `json:"audio_b64"`
	MIMEType    string `json:"mime_type,omitempty"`
	TimestampMS *int64 `json:"timestamp_ms,omitempty"`
}

// Audio decodes the payload. A data URL prefix ("data:audio/webm;base64,") is
// accepted and its media type is used when MIMEType is empty.
func (c ClientAudioChunk) Audio() ([]byte, string, error) {
	payload := strings.TrimSpace(c.AudioB64)
	mime := strings.TrimSpace(c.MIMEType)
	if strings.HasPrefix(payload, "data:") {
		comma := strings.IndexByte(payload, ',')
		if comma < 0 {
			return nil, "", badRequest("audio_chunk.audio_b64 has a malformed data URL", "audio_b64")
		}
		header := payload[len("data:"):comma]
		payload = payload[comma+1:]
		if mime == "" {
			mime, _, _ = strings.Cut(header, ";")
		}
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", badRequest("audio_chunk.audio_b64 is not valid base64", "audio_b64")
	}
	if len(data) == 0 {
		return nil, "", badRequest("audio_chunk.audio_b64 is empty", "audio_b64")
	}
	return data, mime, nil
}

type ClientSessionEnd struct {
	Type string `json:"type"`
}

func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeHello:
		var msg ClientHello
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid hello frame", "")
		}
		if err := ValidateHello(msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeSlideChanged:
		var msg ClientSlideChanged
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid slide_changed", "")
		}
		if msg.Index == nil {
			return nil, badRequest("slide_changed.index is required", "index")
		}
		if *msg.Index < 0 {
			return nil, badRequest("slide_changed.index must be >= 0", "index")
		}
		return msg, nil
	case TypeAudioChunk:
		var msg ClientAudioChunk
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio_chunk", "")
		}
		if msg.Sequence <= 0 {
			return nil, badRequest("audio_chunk.sequence must be > 0", "sequence")
		}
		if strings.TrimSpace(msg.AudioB64) == "" {
			return nil, badRequest("audio_chunk.audio_b64 is required", "audio_b64")
		}
		return msg, nil
	case TypeSessionEnd:
		var msg ClientSessionEnd
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid session_end", "")
		}
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

func ValidateHello(msg ClientHello) error {
	version := strings.TrimSpace(msg.ProtocolVersion)
	if version == "" {
		return badRequest("hello.protocol_version is required", "protocol_version")
	}
	if version != ProtocolVersion1 {
		return unsupported("unsupported protocol version", "protocol_version")
	}
	return nil
}

type HelloAckLimits struct {
	MaxMessageBytes     int   `json:"max_message_bytes"`
	MaxAudioFPS         int   `json:"max_audio_fps,omitempty"`
	MaxAudioBPS         int64 `json:"max_audio_bps,omitempty"`
	InboundBurstSeconds int   `json:"inbound_burst_seconds,omitempty"`
}

// ServerHelloAck carries the re-sync snapshot a reconnecting client needs.
type ServerHelloAck struct {
	Type              string             `json:"type"`
	ProtocolVersion   string             `json:"protocol_version"`
	SessionID         string             `json:"session_id"`
	State             session.State      `json:"state"`
	SlideIndex        int                `json:"slide_index"`
	SlideCount        int                `json:"slide_count"`
	LastAudioSequence int64              `json:"last_audio_sequence"`
	Scores            map[string]float64 `json:"scores"`
	Limits            *HelloAckLimits    `json:"limits,omitempty"`
}

type ServerLiveScoreUpdate struct {
	Type        string             `json:"type"`
	Scores      map[string]float64 `json:"scores"`
	Signals     map[string]float64 `json:"signals,omitempty"`
	TimestampMS int64              `json:"timestamp_ms"`
}

type ServerAIQuestion struct {
	Type        string `json:"type"`
	Question    string `json:"question"`
	TimestampMS int64  `json:"timestamp_ms"`
}

type ServerAudioAck struct {
	Type       string `json:"type"`
	Sequence   int64  `json:"sequence"`
	Status     string `json:"status"`
	Transcript string `json:"transcript,omitempty"`
	Response   string `json:"response,omitempty"`
	Continue   bool   `json:"continue"`
}

type ServerStateChanged struct {
	Type    string        `json:"type"`
	From    session.State `json:"from"`
	To      session.State `json:"to"`
	Message string        `json:"message"`
}

type ServerSessionCompleted struct {
	Type        string               `json:"type"`
	FinalResult *session.FinalResult `json:"final_result"`
}

type ServerDisconnectAck struct {
	Type string `json:"type"`
}

type ServerError struct {
	Type      string         `json:"type"`
	Scope     string         `json:"scope,omitempty"`
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable,omitempty"`
	Close     bool           `json:"close,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

type ServerWarning struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
