// Package stratum implements the StratumServer: the TCP endpoint and
// JSON-RPC dispatch miners speak. Wire framing and message shapes are
// generalized from an int-only params shape to a tagged array-form/
// object-form variant, since submit/authorize params arrive as either a
// JSON array or a JSON object depending on the miner's client.
package stratum

import (
	"encoding/json"
	"fmt"
)

// Request is an incoming Stratum JSON-RPC request. Params is kept raw so
// the dispatch layer can interpret it per-method as array-form or
// object-form.
type Request struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Response is a Stratum JSON-RPC response.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Result interface{}     `json:"result"`
	Error  interface{}     `json:"error"`
}

// Notification is a server-initiated, id-less Stratum message.
type Notification struct {
	ID     interface{}   `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// ParseRequest decodes one newline-delimited line into a Request. A
// missing method is rejected at this boundary so the dispatcher never has
// to special-case it.
func ParseRequest(line []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, fmt.Errorf("parsing stratum message: %w", err)
	}
	if req.Method == "" {
		return nil, fmt.Errorf("missing method")
	}
	return &req, nil
}

func (r *Response) marshal() []byte {
	data, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	return data
}

func (n *Notification) marshal() []byte {
	data, err := json.Marshal(n)
	if err != nil {
		return nil
	}
	return data
}

func newResult(id json.RawMessage, result interface{}) []byte {
	return (&Response{ID: id, Result: result, Error: nil}).marshal()
}

// Error codes
const (
	ErrCodeMethodNotFound = -1
	ErrCodeBadParams      = -1
	ErrCodeUnauthorized   = 24
	ErrCodeInternal       = -1
)

func newError(id json.RawMessage, code int, message string) []byte {
	return (&Response{ID: id, Result: nil, Error: []interface{}{code, message, nil}}).marshal()
}

// submitParams is the canonical internal record a submit request is
// normalized to, regardless of whether it arrived as an array or an
// object.
type submitParams struct {
	Worker      string
	JobID       string
	ExtraNonce2 string
	NTime       string
	Nonce       string
	Hash        string // present only in the object-form {jobId, nonce, nTime, result}
}

// parseSubmitParams accepts either:
//   array-form: [worker, jobId, extraNonce2, nTime, nonce]
//   object-form: {jobId, nonce, nTime, result}
func parseSubmitParams(raw json.RawMessage) (submitParams, error) {
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) < 5 {
			return submitParams{}, fmt.Errorf("expected 5 array params, got %d", len(arr))
		}
		return submitParams{
			Worker:      arr[0],
			JobID:       arr[1],
			ExtraNonce2: arr[2],
			NTime:       arr[3],
			Nonce:       arr[4],
		}, nil
	}

	var obj struct {
		JobID  string `json:"jobId"`
		Nonce  string `json:"nonce"`
		NTime  string `json:"nTime"`
		Result string `json:"result"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return submitParams{}, fmt.Errorf("unrecognized submit params shape: %w", err)
	}
	if obj.JobID == "" || obj.Nonce == "" {
		return submitParams{}, fmt.Errorf("missing jobId/nonce in object-form submit")
	}
	return submitParams{
		JobID: obj.JobID,
		Nonce: obj.Nonce,
		NTime: obj.NTime,
		Hash:  obj.Result,
	}, nil
}

// authorizeParams is the canonical record an authorize/login request
// normalizes to.
type authorizeParams struct {
	Login string // "address[.worker]" or bare worker name
	Pass  string
}

// parseAuthorizeParams accepts either array-form [worker, pass] or
// object-form {user, pass}.
func parseAuthorizeParams(raw json.RawMessage) (authorizeParams, error) {
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) < 1 {
			return authorizeParams{}, fmt.Errorf("expected at least 1 array param")
		}
		p := authorizeParams{Login: arr[0]}
		if len(arr) > 1 {
			p.Pass = arr[1]
		}
		return p, nil
	}

	var obj struct {
		User string `json:"user"`
		Pass string `json:"pass"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return authorizeParams{}, fmt.Errorf("unrecognized authorize params shape: %w", err)
	}
	if obj.User == "" {
		return authorizeParams{}, fmt.Errorf("missing user in object-form authorize")
	}
	return authorizeParams{Login: obj.User, Pass: obj.Pass}, nil
}

func parseSuggestDifficulty(raw json.RawMessage) (float64, error) {
	var arr []float64
	if err := json.Unmarshal(raw, &arr); err != nil || len(arr) < 1 {
		return 0, fmt.Errorf("expected [difficulty] array param")
	}
	return arr[0], nil
}
