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

package ossclient

import (
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
)

// listEntry is one <Contents> element of a ListBucket response.
type listEntry struct {
	Key          string `xml:"Key"`
	Size         int64  `xml:"Size"`
	LastModified string `xml:"LastModified"`
}

type listResponse struct {
	XMLName     xml.Name    `xml:"ListBucketResult"`
	IsTruncated bool        `xml:"IsTruncated"`
	Contents    []listEntry `xml:"Contents"`
	NextToken   string      `xml:"NextContinuationToken"`
}

// Lister pages through the objects under a prefix, in the style of
// aws/s3.Prefix's directory-reading: a stateful cursor with a Next
// method rather than a Go 1.23 iterator (the teacher's go.mod pins
// an older language version).
type Lister struct {
	c      *Client
	prefix string
	token  string
	done   bool
}

// List begins listing objects whose key starts with prefix.
func (c *Client) List(prefix string) *Lister {
	return &Lister{c: c, prefix: prefix}
}

// Next fetches up to n more objects. It returns an empty, nil-error
// result once the listing is exhausted; callers should stop calling
// Next when len(refs) == 0 && err == nil.
func (l *Lister) Next(n int) ([]ObjectRef, error) {
	if l.done {
		return nil, nil
	}
	const op = "list"
	var refs []ObjectRef
	err := retry(func() error {
		refs = refs[:0]
		q := url.Values{}
		q.Set("list-type", "2")
		q.Set("prefix", l.prefix)
		q.Set("max-keys", fmt.Sprintf("%d", n))
		if l.token != "" {
			q.Set("continuation-token", l.token)
		}
		req, err := http.NewRequest(http.MethodGet, l.c.bucketURL()+"?"+q.Encode(), nil)
		if err != nil {
			return newErr(op, KindFatal, err)
		}
		l.c.Key.Sign(req, l.c.Bucket, "")

		res, err := l.c.client().Do(req)
		if err != nil {
			return newErr(op, KindTransient, err)
		}
		defer res.Body.Close()
		if isTransientStatus(res.StatusCode) {
			return newErr(op, KindTransient, fmt.Errorf("%s", res.Status))
		}
		if res.StatusCode != http.StatusOK {
			return newErr(op, KindFatal, fmt.Errorf("unexpected status %s", res.Status))
		}
		var parsed listResponse
		if err := xml.NewDecoder(res.Body).Decode(&parsed); err != nil {
			return newErr(op, KindTransient, fmt.Errorf("decoding list response: %w", err))
		}
		for _, e := range parsed.Contents {
			refs = append(refs, ObjectRef{Bucket: l.c.Bucket, Key: e.Key, Length: e.Size})
		}
		if parsed.IsTruncated {
			l.token = parsed.NextToken
		} else {
			l.done = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}
