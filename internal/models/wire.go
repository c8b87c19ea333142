package models

import "encoding/json"

// DecodeComment decodes one comment record from its wire form.
func DecodeComment(data []byte) (*Comment, error) {
	var c Comment
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// DecodePatch decodes the annotation fields present in a wire record.
func DecodePatch(data []byte) (CommentPatch, error) {
	var p CommentPatch
	if err := json.Unmarshal(data, &p); err != nil {
		return CommentPatch{}, err
	}
	return p, nil
}
