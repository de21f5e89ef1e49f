// Package ruleworker implements the worker side of the rule wire protocol.
//
// A worker is a long-lived process that reads JSON-lines requests on stdin
// and answers each with exactly one JSON-lines response on stdout. The first
// request of every session is a describe handshake listing the exported
// functions; later requests call one function with keyword arguments.
//
//	-> {"id":1,"op":"describe"}
//	<- {"id":1,"ok":true,"result":{"protocol":"sheetnorm.rules/v1","functions":["detect_label","transform"]}}
//	-> {"id":2,"op":"call","function":"transform","kwargs":{"values":["a"],...}}
//	<- {"id":2,"ok":true,"result":{"values":["A"]}}
//
// Workers must tolerate unknown keys in kwargs. Anything written to stderr is
// captured by the host for diagnostics and never parsed.
package ruleworker

import "encoding/json"

// Protocol is the wire protocol identifier returned by describe.
const Protocol = "sheetnorm.rules/v1"

// Request operations.
const (
	OpDescribe = "describe"
	OpCall     = "call"
	OpShutdown = "shutdown"
)

// MaxLineSize bounds a single request or response line.
const MaxLineSize = 64 << 20

// Request is one host-to-worker message.
type Request struct {
	ID       uint64          `json:"id"`
	Op       string          `json:"op"`
	Function string          `json:"function,omitempty"`
	Kwargs   json.RawMessage `json:"kwargs,omitempty"`
}

// Response is one worker-to-host message.
type Response struct {
	ID     uint64          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Description is the result of the describe handshake.
type Description struct {
	Protocol  string   `json:"protocol"`
	Functions []string `json:"functions"`
}
