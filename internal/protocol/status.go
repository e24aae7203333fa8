package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"mcrelay/pkg/mcproto"
)

// StatusVersion is the "version" object in a Status Response.
type StatusVersion struct {
	Name     string `json:"name"`
	Protocol int32  `json:"protocol"`
}

// StatusPlayerSample is one entry of "players.sample".
type StatusPlayerSample struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// StatusPlayers is the "players" object in a Status Response.
type StatusPlayers struct {
	Max    int32                `json:"max"`
	Online int32                `json:"online"`
	Sample []StatusPlayerSample `json:"sample,omitempty"`
}

// StatusResponse is the JSON payload of a Status Response packet, built
// either from live upstream data (Prober) or from placeholder
// configuration (offline / no_mapping responses).
type StatusResponse struct {
	Version     StatusVersion `json:"version"`
	Players     StatusPlayers `json:"players"`
	Description TextComponent `json:"description"`
	Favicon     string        `json:"favicon,omitempty"`
}

// ReadStatusRequest reads and validates a Status Request packet (id 0x00,
// empty payload).
func ReadStatusRequest(r io.Reader) error {
	pkt, err := mcproto.ReadPacket(r)
	if err != nil {
		return err
	}
	if pkt.ID != 0x00 {
		return fmt.Errorf("%w: status request id 0x00, got 0x%02x", ErrUnexpectedPacket, pkt.ID)
	}
	if len(pkt.Data) != 0 {
		return fmt.Errorf("%w: status request must have empty payload", ErrMalformedPacket)
	}
	return nil
}

// WriteStatusResponse encodes resp as JSON and writes it as a Status
// Response packet (id 0x00).
func WriteStatusResponse(w io.Writer, resp StatusResponse) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if _, err := mcproto.WriteString(&buf, string(body)); err != nil {
		return err
	}
	return mcproto.WritePacket(w, 0x00, buf.Bytes())
}

// ReadStatusResponse reads and decodes a Status Response packet (id 0x00).
// Used by the Prober to interpret upstream replies.
func ReadStatusResponse(r io.Reader) (StatusResponse, error) {
	pkt, err := mcproto.ReadPacket(r)
	if err != nil {
		return StatusResponse{}, err
	}
	if pkt.ID != 0x00 {
		return StatusResponse{}, fmt.Errorf("%w: status response id 0x00, got 0x%02x", ErrUnexpectedPacket, pkt.ID)
	}
	body, _, err := mcproto.ReadString(bytes.NewReader(pkt.Data))
	if err != nil {
		return StatusResponse{}, err
	}
	var resp StatusResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return StatusResponse{}, fmt.Errorf("%w: invalid status response json: %v", ErrMalformedPacket, err)
	}
	return resp, nil
}
