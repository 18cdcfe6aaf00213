package invoice

import (
	"time"

	"github.com/zombor/invoice-ocr/internal/extract"
)

// Status is the processing state of a File
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Terminal reports whether no further transition is possible
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// File is one entry of the working set: a user file or a PDF page image
type File struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Path   string          `json:"path"`
	Status Status          `json:"status"`
	Record *extract.Record `json:"record,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// start moves a pending file to processing
func (f *File) start() bool {
	if f.Status != StatusPending {
		return false
	}
	f.Status = StatusProcessing
	return true
}

// complete attaches the record to a processing file
func (f *File) complete(record *extract.Record) bool {
	if f.Status != StatusProcessing {
		return false
	}
	f.Status = StatusCompleted
	f.Record = record
	return true
}

// fail marks a processing file as failed with msg
func (f *File) fail(msg string) bool {
	if f.Status != StatusProcessing {
		return false
	}
	f.Status = StatusError
	f.Error = msg
	return true
}

// MessageKind tags a user-facing message
type MessageKind string

const (
	MessageInfo  MessageKind = "info"
	MessageError MessageKind = "error"
	// MessageCredentials asks the user to review their API keys
	MessageCredentials MessageKind = "credentials"
)

// Message is a short notification for the user. FolderPath, when set, is
// a folder the user may want to open.
type Message struct {
	Text       string      `json:"text"`
	Kind       MessageKind `json:"kind"`
	FolderPath string      `json:"folder_path,omitempty"`
}

// Observer receives working-set snapshots and messages from a pipeline run.
// Either callback may be nil.
type Observer struct {
	OnUpdate  func(files []File)
	OnMessage func(msg Message)
}

func (o Observer) update(files []File) {
	if o.OnUpdate != nil {
		o.OnUpdate(snapshot(files))
	}
}

func (o Observer) message(msg Message) {
	if o.OnMessage != nil {
		o.OnMessage(msg)
	}
}

// snapshot deep-copies files so observers never share state with the pipeline
func snapshot(files []File) []File {
	out := make([]File, len(files))
	for i, f := range files {
		out[i] = f
		if f.Record != nil {
			r := *f.Record
			out[i].Record = &r
		}
	}
	return out
}

// Result is the outcome of one pipeline run
type Result struct {
	Records    []extract.Record  `json:"records"`
	Statuses   map[string]Status `json:"statuses"`
	Files      []File            `json:"files"`
	ExportPath string            `json:"export_path,omitempty"`
}

// BatchState is the lifecycle of a batch run by the service
type BatchState string

const (
	BatchRunning   BatchState = "running"
	BatchCompleted BatchState = "completed"
	BatchStopped   BatchState = "stopped"
	BatchFailed    BatchState = "failed"
)

// Batch is one pipeline run as seen through the HTTP API and history
type Batch struct {
	ID         string     `json:"id"`
	State      BatchState `json:"state"`
	Files      []File     `json:"files"`
	Messages   []Message  `json:"messages"`
	ExportPath string     `json:"export_path,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
