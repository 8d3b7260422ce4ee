// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package ossclient is a lightweight request-level driver over an
// S3-compatible "OSS" object-store REST API. It exposes the minimal
// operation set the storage bridge needs: head, list, ranged get,
// and append, each with bounded retries of transient failures.
package ossclient

// ObjectRef identifies a single object within a bucket.
// Length is -1 until it has been populated by a List or
// Head response.
type ObjectRef struct {
	Bucket string
	Key    string
	Length int64
}

// LengthKnown reports whether Length has been populated.
func (o ObjectRef) LengthKnown() bool { return o.Length >= 0 }

// ObjectType is the server-reported type of an object,
// as returned by Head.
type ObjectType int

const (
	// TypeNormal is a regular, non-appendable object.
	TypeNormal ObjectType = iota
	// TypeAppendable is an object created via Append that
	// may receive further Append calls.
	TypeAppendable
)

// HeadInfo is the result of a successful Head call.
type HeadInfo struct {
	Length        int64
	Type          ObjectType
	NextAppendPos int64
}

// AppendResult is the result of a successful Append call.
type AppendResult struct {
	NewPosition int64
}
