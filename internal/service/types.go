package service

import "encoding/json"

// PayloadRequest asks for the payload a client must sign to append a link.
// Avatar and Persona are synonyms for the owner key; Avatar wins.
type PayloadRequest struct {
	Avatar   string          `json:"avatar"`
	Persona  string          `json:"persona"`
	Platform string          `json:"platform"`
	Identity string          `json:"identity"`
	Patch    json.RawMessage `json:"patch"`
}

type PayloadResponse struct {
	UUID        string `json:"uuid"`
	SignPayload string `json:"sign_payload"`
	CreatedAt   int64  `json:"created_at"`
}

// UploadRequest carries a signed link. UUID and CreatedAt must be the ones
// returned with the signed payload. Signature is base64 or 0x-prefixed hex.
type UploadRequest struct {
	Avatar    string          `json:"avatar"`
	Persona   string          `json:"persona"`
	Platform  string          `json:"platform"`
	Identity  string          `json:"identity"`
	UUID      string          `json:"uuid"`
	CreatedAt int64           `json:"created_at"`
	Patch     json.RawMessage `json:"patch"`
	Signature string          `json:"signature"`
}

// QueryResponse lists an owner's snapshots.
type QueryResponse struct {
	Persona string       `json:"persona"`
	Avatar  string       `json:"avatar"`
	Proofs  []QueryProof `json:"proofs"`
}

type QueryProof struct {
	Platform        string          `json:"platform"`
	Identity        string          `json:"identity"`
	Content         json.RawMessage `json:"content"`
	ArchivalReceipt string          `json:"archival_receipt,omitempty"`
}

// IdentityResponse lists every owner's snapshot for one platform identity.
type IdentityResponse struct {
	Values []IdentityValue `json:"values"`
}

type IdentityValue struct {
	Avatar  string          `json:"avatar"`
	Content json.RawMessage `json:"content"`
}
