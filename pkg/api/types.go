package api

// Payload fields are []byte, so encoding/json carries them as standard
// base64 strings.

type SendRequest struct {
	Payload []byte   `json:"payload"`
	From    string   `json:"from,omitempty"`
	To      []string `json:"to"`
}

type SendResponse struct {
	Key string `json:"key"`
}

type ReceiveRequest struct {
	Key string `json:"key"`
	To  string `json:"to,omitempty"`
}

type ReceiveResponse struct {
	Payload []byte `json:"payload"`
}

type PublicKeysResponse struct {
	Keys []string `json:"keys"`
}
