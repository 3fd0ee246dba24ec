package types

import "encoding/json"

// Request is a JSON-RPC 2.0 request frame sent to an agent subprocess.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response frame. Exactly one of Result/Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Notification is a JSON-RPC 2.0 message with no id; it expects no reply.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCError is a structured error object inside a Response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return e.Message }

// rawFrame is used to sniff whether an incoming line is a Response
// (has "id" and one of "result"/"error") or a Notification (no "id").
type rawFrame struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// ParseFrame classifies and decodes one line of agent stdout.
func ParseFrame(line []byte) (resp *Response, notif *Notification, err error) {
	var raw rawFrame
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, nil, err
	}
	if raw.ID == nil {
		n := &Notification{JSONRPC: "2.0", Method: raw.Method}
		if err := json.Unmarshal(line, n); err != nil {
			return nil, nil, err
		}
		return nil, n, nil
	}
	r := &Response{JSONRPC: "2.0", ID: *raw.ID, Result: raw.Result, Error: raw.Error}
	return r, nil, nil
}
