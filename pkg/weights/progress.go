package weights

import (
	"encoding/json"
	"fmt"
	"io"
)

// MinBytesForUpdate defines the minimum number of bytes that need to be
// transferred before sending another progress update.
const MinBytesForUpdate = 1024 * 1024 // 1MB

// FileProgress describes the transfer state of one file.
type FileProgress struct {
	Name    string `json:"name"`
	Size    uint64 `json:"size"`
	Current uint64 `json:"current"`
}

// ProgressMessage is one NDJSON record on a pull progress stream.
type ProgressMessage struct {
	Type    string       `json:"type"` // "progress", "success", "warning", or "error"
	Message string       `json:"message,omitempty"`
	Total   uint64       `json:"total,omitempty"` // total bytes across all files
	File    FileProgress `json:"file"`
	Mode    string       `json:"mode,omitempty"` // "pull"
}

// WriteProgress writes a progress update record.
func WriteProgress(w io.Writer, totalSize uint64, file FileProgress) error {
	return writeMessage(w, ProgressMessage{
		Type:  "progress",
		Total: totalSize,
		File:  file,
		Mode:  "pull",
	})
}

// WriteStatus writes an informational record.
func WriteStatus(w io.Writer, format string, args ...interface{}) error {
	return writeMessage(w, ProgressMessage{
		Type:    "progress",
		Message: fmt.Sprintf(format, args...),
		Mode:    "pull",
	})
}

// WriteSuccess writes a success record.
func WriteSuccess(w io.Writer, message string) error {
	return writeMessage(w, ProgressMessage{Type: "success", Message: message})
}

// WriteError writes an error record.
func WriteError(w io.Writer, message string) error {
	return writeMessage(w, ProgressMessage{Type: "error", Message: message})
}

func writeMessage(w io.Writer, msg ProgressMessage) error {
	if w == nil {
		return nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	if err == nil {
		if flusher, ok := w.(interface{ Flush() }); ok {
			flusher.Flush()
		}
	}
	return err
}
