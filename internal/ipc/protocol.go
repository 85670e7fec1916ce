package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/proctail/agent/internal/model"
)

// maxFrameBytes bounds a single request/response frame to defend the
// dispatcher against a misbehaving or malicious client sending an
// unreasonable length prefix.
const maxFrameBytes = 16 * 1024 * 1024

// ErrorCode is one of the stable tokens in the §4.4 error-code catalog.
type ErrorCode string

const (
	ErrProcessNotFound         ErrorCode = "PROCESS_NOT_FOUND"
	ErrTagNotFound             ErrorCode = "TAG_NOT_FOUND"
	ErrTagAlreadyExists        ErrorCode = "TAG_ALREADY_EXISTS"
	ErrInsufficientPermissions ErrorCode = "INSUFFICIENT_PERMISSIONS"
	ErrTraceSessionError       ErrorCode = "TRACE_SESSION_ERROR"
	ErrPipeServerError         ErrorCode = "PIPE_SERVER_ERROR"
	ErrInvalidRequest          ErrorCode = "INVALID_REQUEST"
	ErrServiceNotRunning       ErrorCode = "SERVICE_NOT_RUNNING"
	ErrInternalError           ErrorCode = "INTERNAL_ERROR"
)

// RequestType discriminates the command vocabulary of §4.4.
type RequestType string

const (
	ReqAddWatchTarget    RequestType = "AddWatchTarget"
	ReqRemoveWatchTarget RequestType = "RemoveWatchTarget"
	ReqGetWatchTargets   RequestType = "GetWatchTargets"
	ReqGetRecordedEvents RequestType = "GetRecordedEvents"
	ReqClearEvents       RequestType = "ClearEvents"
	ReqGetStatus         RequestType = "GetStatus"
	ReqHealthCheck       RequestType = "HealthCheck"
	ReqShutdown          RequestType = "Shutdown"
)

// Request is the union of every parameter any command accepts. Each handler
// reads only the fields relevant to its RequestType; unused fields are
// simply left at their zero value by the caller.
type Request struct {
	RequestType RequestType `json:"RequestType"`
	ProcessID   int         `json:"ProcessId,omitempty"`
	TagName     string      `json:"TagName,omitempty"`
	MaxCount    int         `json:"MaxCount,omitempty"`
	Force       bool        `json:"Force,omitempty"`
}

// WatchTargetInfo mirrors model.TargetInfo using the wire's field names.
type WatchTargetInfo struct {
	ProcessID      int    `json:"ProcessId"`
	ProcessName    string `json:"ProcessName"`
	ExecutablePath string `json:"ExecutablePath"`
	StartTime      string `json:"StartTime"`
	TagName        string `json:"TagName"`
}

// StatusFields is the payload of a GetStatus/HealthCheck response.
type StatusFields struct {
	IsRunning              bool    `json:"IsRunning"`
	IsMonitoring           bool    `json:"IsMonitoring"`
	IsPipeServerRunning    bool    `json:"IsPipeServerRunning"`
	ActiveWatchTargets     int     `json:"ActiveWatchTargets"`
	TotalTags              int     `json:"TotalTags"`
	TotalEvents            int64   `json:"TotalEvents"`
	EstimatedMemoryUsageMB float64 `json:"EstimatedMemoryUsageMB"`
	Status                 string  `json:"Status"`
}

// Response is the union of every field any command's response carries, in
// addition to the mandatory Success/ErrorMessage/ErrorCode envelope (§4.4).
type Response struct {
	Success      bool      `json:"Success"`
	ErrorMessage string    `json:"ErrorMessage"`
	ErrorCode    ErrorCode `json:"ErrorCode,omitempty"`

	RemovedCount int                `json:"RemovedCount,omitempty"`
	WatchTargets []WatchTargetInfo  `json:"WatchTargets,omitempty"`
	Events       []model.TypedEvent `json:"Events,omitempty"`

	*StatusFields `json:",omitempty"`
}

// ok builds a successful envelope.
func ok() Response { return Response{Success: true} }

// fail builds a failure envelope with the given stable code and message.
func fail(code ErrorCode, format string, args ...any) Response {
	return Response{Success: false, ErrorMessage: fmt.Sprintf(format, args...), ErrorCode: code}
}

// readFrame reads one length-prefixed JSON request frame from r.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("ipc: frame length %d exceeds maximum %d", n, maxFrameBytes)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// writeFrame writes payload as one length-prefixed JSON frame to w.
func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func decodeRequest(raw []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Request{}, err
	}
	return req, nil
}

func encodeResponse(resp Response) ([]byte, error) {
	return json.Marshal(resp)
}
