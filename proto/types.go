// Copyright 2026 The Menmos Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package proto

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

type BlobType string

const (
	BlobTypeFile      BlobType = "file"
	BlobTypeDirectory BlobType = "directory"
)

func (t BlobType) Valid() bool {
	return t == BlobTypeFile || t == BlobTypeDirectory
}

// FieldValue is a string-or-integer union. It serializes untagged: a JSON
// string for string values, a JSON number for numeric ones.
type FieldValue struct {
	str *string
	num *int64
}

func StringValue(s string) FieldValue { return FieldValue{str: &s} }

func NumericValue(n int64) FieldValue { return FieldValue{num: &n} }

func (v FieldValue) IsNumeric() bool { return v.num != nil }

func (v FieldValue) Str() string {
	if v.str == nil {
		return ""
	}
	return *v.str
}

func (v FieldValue) Num() int64 {
	if v.num == nil {
		return 0
	}
	return *v.num
}

func (v FieldValue) String() string {
	if v.num != nil {
		return strconv.FormatInt(*v.num, 10)
	}
	return strconv.Quote(v.Str())
}

func (v FieldValue) MarshalJSON() ([]byte, error) {
	if v.num != nil {
		return json.Marshal(*v.num)
	}
	return json.Marshal(v.Str())
}

func (v *FieldValue) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v.str, v.num = &s, nil
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("field value must be a string or an integer: %w", err)
	}
	v.num, v.str = &n, nil
	return nil
}

// BlobMeta is the structured metadata carried by every blob.
type BlobMeta struct {
	Name       string                `json:"name"`
	Size       uint64                `json:"size"`
	BlobType   BlobType              `json:"blob_type"`
	ParentID   string                `json:"parent_id,omitempty"`
	Tags       []string              `json:"tags,omitempty"`
	Fields     map[string]FieldValue `json:"fields,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
	ModifiedAt time.Time             `json:"modified_at"`
}

// BlobMetaRequest is the client-supplied portion of the metadata.
// Timestamps and the owner are stamped by the directory.
type BlobMetaRequest struct {
	Name     string                `json:"name"`
	BlobType BlobType              `json:"blob_type"`
	ParentID string                `json:"parent_id,omitempty"`
	Tags     []string              `json:"tags,omitempty"`
	Fields   map[string]FieldValue `json:"fields,omitempty"`
}

func (r BlobMetaRequest) IntoMeta(size uint64, createdAt, modifiedAt time.Time) BlobMeta {
	return BlobMeta{
		Name:       r.Name,
		Size:       size,
		BlobType:   r.BlobType,
		ParentID:   r.ParentID,
		Tags:       r.Tags,
		Fields:     r.Fields,
		CreatedAt:  createdAt,
		ModifiedAt: modifiedAt,
	}
}

// BlobInfo pairs the metadata with the owning principal.
type BlobInfo struct {
	Meta  BlobMeta `json:"meta"`
	Owner string   `json:"owner"`
}

type UserRecord struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"`
	IsAdmin      bool   `json:"is_admin"`
}
