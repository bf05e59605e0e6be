package engine

// Worker methods understood by the memory engine.
const (
	MethodRetrieve  = "retrieve"
	MethodIngest    = "ingest"
	MethodVisualize = "visualize"
	MethodStage     = "stage"
)

// RPCRequest represents a JSON-RPC 2.0 request to the worker daemon
type RPCRequest struct {
	ID      string         `json:"id"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	JSONRPC string         `json:"jsonrpc"`
}

// RPCResponse represents a JSON-RPC 2.0 response from the worker daemon
type RPCResponse struct {
	ID      string         `json:"id"`
	Result  map[string]any `json:"result,omitempty"`
	Error   *RPCError      `json:"error,omitempty"`
	JSONRPC string         `json:"jsonrpc"`
}

// RPCError represents a worker-reported error
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface
func (e *RPCError) Error() string {
	return e.Message
}

// Worker error codes observed from the engine.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeResourceBusy   = -32010
	CodeTimeout        = -32011
)
