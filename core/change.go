package core

import (
	"encoding/json"
	"fmt"
)

// FileChange describes the effect of a patch on one path.
type FileChange interface {
	isFileChange()
}

// AddFile creates a new file with Content.
type AddFile struct {
	Content string `json:"content"`
}

// DeleteFile removes a file; Content is its last known contents.
type DeleteFile struct {
	Content string `json:"content"`
}

// UpdateFile edits a file in place, optionally moving it to MovePath.
type UpdateFile struct {
	UnifiedDiff string `json:"unified_diff"`
	MovePath    string `json:"move_path,omitempty"`
}

func (AddFile) isFileChange()    {}
func (DeleteFile) isFileChange() {}
func (UpdateFile) isFileChange() {}

// MarshalJSON implements json.Marshaler.
func (c AddFile) MarshalJSON() ([]byte, error) {
	type alias AddFile
	return marshalTagged("add", alias(c))
}

// MarshalJSON implements json.Marshaler.
func (c DeleteFile) MarshalJSON() ([]byte, error) {
	type alias DeleteFile
	return marshalTagged("delete", alias(c))
}

// MarshalJSON implements json.Marshaler.
func (c UpdateFile) MarshalJSON() ([]byte, error) {
	type alias UpdateFile
	return marshalTagged("update", alias(c))
}

// UnmarshalFileChange decodes a tagged file change.
func UnmarshalFileChange(data []byte) (FileChange, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}
	switch head.Type {
	case "add":
		var c AddFile
		err := json.Unmarshal(data, &c)
		return c, err
	case "delete":
		var c DeleteFile
		err := json.Unmarshal(data, &c)
		return c, err
	case "update":
		var c UpdateFile
		err := json.Unmarshal(data, &c)
		return c, err
	default:
		return nil, fmt.Errorf("unknown file change type %q", head.Type)
	}
}
